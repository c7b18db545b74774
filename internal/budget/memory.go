package budget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// counter is a single accounting bucket for one tenant/window pair.
type counter struct {
	committed int64
	reserved  int64
}

// MemoryLedger implements Ledger with mutex-guarded in-memory counters.
//
// Counters are keyed by tenant, window kind, and the window's start label,
// so a new day or month starts from zero without an explicit reset. A
// background goroutine evicts buckets from past windows to bound memory.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[string]*counter

	now func() time.Time // injectable for tests

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLedger creates an in-memory ledger. Call Close to stop the
// eviction goroutine.
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{
		counters: make(map[string]*counter),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func key(tenantID uuid.UUID, w Window, startLabel string) string {
	return tenantID.String() + "|" + string(w) + "|" + startLabel
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, tenantID uuid.UUID, w Window, limit, estimate int64) error {
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(tenantID, w, w.start(l.now()))
	c, ok := l.counters[k]
	if !ok {
		c = &counter{}
		l.counters[k] = c
	}

	if c.committed+c.reserved+estimate > limit {
		return &ExceededError{
			TenantID: tenantID,
			Window:   w,
			Usage:    c.committed + c.reserved,
			Limit:    limit,
		}
	}
	c.reserved += estimate
	return nil
}

// Commit implements Ledger.
func (l *MemoryLedger) Commit(_ context.Context, tenantID uuid.UUID, w Window, estimate, actual int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(tenantID, w, w.start(l.now()))
	c, ok := l.counters[k]
	if !ok {
		// Reservation landed in a previous window that just rolled over.
		// Record the actual usage in the current one.
		c = &counter{}
		l.counters[k] = c
	}
	c.reserved -= estimate
	if c.reserved < 0 {
		c.reserved = 0
	}
	c.committed += actual
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, tenantID uuid.UUID, w Window, estimate int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key(tenantID, w, w.start(l.now()))]
	if !ok {
		return nil
	}
	c.reserved -= estimate
	if c.reserved < 0 {
		c.reserved = 0
	}
	return nil
}

// Usage implements Ledger.
func (l *MemoryLedger) Usage(_ context.Context, tenantID uuid.UUID, w Window) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key(tenantID, w, w.start(l.now()))]
	if !ok {
		return 0, nil
	}
	return c.committed, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (l *MemoryLedger) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

// cleanup periodically evicts buckets whose window has passed.
func (l *MemoryLedger) cleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictPast()
		}
	}
}

func (l *MemoryLedger) evictPast() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	liveDaily := "|" + string(WindowDaily) + "|" + WindowDaily.start(now)
	liveMonthly := "|" + string(WindowMonthly) + "|" + WindowMonthly.start(now)

	for k := range l.counters {
		if !strings.HasSuffix(k, liveDaily) && !strings.HasSuffix(k, liveMonthly) {
			delete(l.counters, k)
		}
	}
}
