// Package cache is the two-level result cache for idempotent tool calls: an
// in-process map in front of a durable SQLite table, both keyed by a stable
// hash of (tool, canonical parameters) and expiring by TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/cache")

const schema = `
CREATE TABLE IF NOT EXISTS result_cache (
    key TEXT PRIMARY KEY,
    tool TEXT NOT NULL,
    value BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_result_cache_expires ON result_cache(expires_at);
`

// Key content-addresses a call. encoding/json sorts map keys, so equal
// parameter maps always hash the same.
func Key(tool string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalizing parameters for %s: %w", tool, err)
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type entry struct {
	value   []byte
	expires time.Time
}

// Stats counts cache traffic.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// ResultCache is safe for concurrent use.
type ResultCache struct {
	mu  sync.RWMutex
	mem map[string]entry
	db  *sql.DB
	now func() time.Time
	sf  singleflight.Group

	hits, misses atomic.Int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// Open creates a cache. An empty dbPath keeps the cache in memory only.
func Open(dbPath string, opts ...Option) (*ResultCache, error) {
	c := &ResultCache{mem: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if dbPath == "" {
		return c, nil
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	c.db = db
	return c, nil
}

// Close releases the database connection, if any.
func (c *ResultCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns an unexpired value from memory, falling back to the durable
// store and promoting hits into memory.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.mem[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		c.hits.Add(1)
		return e.value, true
	}

	if c.db != nil {
		var (
			value   []byte
			expires int64
		)
		err := c.db.QueryRowContext(ctx,
			`SELECT value, expires_at FROM result_cache WHERE key = ?`, key,
		).Scan(&value, &expires)
		switch {
		case err == nil && now.UnixNano() < expires:
			c.mu.Lock()
			c.mem[key] = entry{value: value, expires: time.Unix(0, expires)}
			c.mu.Unlock()
			c.hits.Add(1)
			return value, true
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			log.Warn().Err(err).Str("key", key).Msg("cache_read_failed")
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores value under key for ttl in both levels.
func (c *ResultCache) Put(ctx context.Context, key, tool string, value []byte, ttl time.Duration) error {
	now := c.now()
	expires := now.Add(ttl)
	c.mu.Lock()
	c.mem[key] = entry{value: value, expires: expires}
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO result_cache (key, tool, value, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, tool, value, now.UTC(), expires.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached value for key or runs compute once, even
// when many callers miss concurrently, and caches its result.
func (c *ResultCache) GetOrCompute(ctx context.Context, key, tool string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "cache.get_or_compute",
		trace.WithAttributes(attribute.String("tool", tool)))
	defer span.End()

	if v, ok := c.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, true, nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, key, tool, out, ttl); err != nil {
			log.Warn().Err(err).Str("tool", tool).Msg("cache_write_failed")
		}
		return out, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// PurgeExpired removes expired entries from both levels.
func (c *ResultCache) PurgeExpired(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0
	c.mu.Lock()
	for k, e := range c.mem {
		if !now.Before(e.expires) {
			delete(c.mem, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.db == nil {
		return removed, nil
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return removed, fmt.Errorf("purging cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + int(n), nil
}

// Stats returns hit and miss counters and the in-memory entry count.
func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	n := len(c.mem)
	c.mu.RUnlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: n}
}
