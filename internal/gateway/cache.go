package gateway

import (
	"context"
	"sync"
	"time"
)

// CacheEntry is a previously computed inference result.
type CacheEntry struct {
	Content  string
	Tokens   int64
	Cost     float64
	Provider string
}

// Cache stores inference results under a content-addressed key with a fixed
// TTL. A cache is an optimization, not a correctness-bearing store:
// last-write-wins under concurrent writers, and any read failure is treated
// as a miss by the gateway.
type Cache interface {
	// Get returns the entry for key and true, or false on miss or expiry.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)

	// Set stores an entry with the given TTL.
	Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

type memoryEntry struct {
	entry     CacheEntry
	expiresAt time.Time
}

// MemoryCache is an in-memory Cache. A background goroutine evicts expired
// entries to bound memory. Suitable for tests and single-instance dev runs;
// production uses the SQLite cache so entries survive restarts.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryCache creates an in-memory cache. Call Close to stop the
// eviction goroutine.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return CacheEntry{}, false, nil
	}
	return e.entry, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
