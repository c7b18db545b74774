package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteCache is a Cache backed by a local SQLite file, so warm entries
// survive process restarts. All failures degrade to cache misses: a broken
// cache file must never take the inference path down.
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewSQLiteCache opens (or creates) the cache database at path.
// Call Close to release the file and stop the purge goroutine.
func NewSQLiteCache(path string, logger *slog.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	// A single writer keeps last-write-wins semantics trivial and avoids
	// SQLITE_BUSY under concurrent step execution.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS response_cache (
			key        TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			tokens     INTEGER NOT NULL,
			cost       REAL NOT NULL,
			provider   TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create table: %w", err)
	}

	c := &SQLiteCache{db: db, logger: logger, done: make(chan struct{})}
	go c.purgeLoop()
	return c, nil
}

// Get implements Cache.
func (c *SQLiteCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	var (
		e         CacheEntry
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT content, tokens, cost, provider, expires_at FROM response_cache WHERE key = ?`, key,
	).Scan(&e.Content, &e.Tokens, &e.Cost, &e.Provider, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("cache: get: %w", err)
	}
	if time.Now().Unix() >= expiresAt {
		return CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Set implements Cache.
func (c *SQLiteCache) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO response_cache (key, content, tokens, cost, provider, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   content = excluded.content, tokens = excluded.tokens,
		   cost = excluded.cost, provider = excluded.provider,
		   expires_at = excluded.expires_at`,
		key, entry.Content, entry.Tokens, entry.Cost, entry.Provider,
		time.Now().Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Close stops the purge goroutine and closes the database.
func (c *SQLiteCache) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return c.db.Close()
}

// purgeLoop deletes expired rows hourly so the file doesn't grow unbounded.
func (c *SQLiteCache) purgeLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.db.Exec(`DELETE FROM response_cache WHERE expires_at < ?`, time.Now().Unix()); err != nil {
				c.logger.Warn("cache: purge failed", "error", err)
			}
		}
	}
}
