// Package cache implements the two-tier content cache: an in-process LRU
// fronting an optional shared key/value backend. The shared backend is
// best-effort; any backend failure logs a warning and the in-process tier
// keeps serving.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/urlutil"
)

// Backend is the optional shared tier. Implementations must be safe for
// concurrent use. A miss is (nil, nil).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Config holds cache configuration.
type Config struct {
	TTL     time.Duration // entry lifetime from insertion
	LRUSize int           // max in-process entries
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:     15 * time.Minute,
		LRUSize: 256,
	}
}

type stored struct {
	Entry    models.CacheEntry `json:"entry"`
	StoredAt time.Time         `json:"stored_at"`
}

// ContentCache is the process-wide fetch cache keyed by (mode, URL).
type ContentCache struct {
	cfg     Config
	mu      sync.Mutex
	lru     *lru.Cache
	backend Backend
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a cache. backend may be nil for LRU-only operation.
func New(cfg Config, backend Backend, logger *slog.Logger) *ContentCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = DefaultConfig().LRUSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentCache{
		cfg:     cfg,
		lru:     lru.New(cfg.LRUSize),
		backend: backend,
		logger:  logger.With("component", "cache"),
		clock:   time.Now,
	}
}

// Key builds the cache key for a fetch mode and URL. The URL is normalized
// so syntactic variants share an entry.
func Key(mode models.FetchMode, rawURL string) string {
	return "fetch:" + string(mode) + ":" + urlutil.MustNormalize(rawURL)
}

// Get returns the entry for (mode, url) and whether it is still fresh.
// Stale entries are returned so callers can revalidate with the entry's
// validators. The second return is false on a complete miss.
func (c *ContentCache) Get(ctx context.Context, mode models.FetchMode, rawURL string) (entry *models.CacheEntry, fresh, ok bool) {
	key := Key(mode, rawURL)

	c.mu.Lock()
	if v, hit := c.lru.Get(lru.Key(key)); hit {
		s := v.(*stored)
		c.mu.Unlock()
		return &s.Entry, c.freshAt(s.StoredAt), true
	}
	c.mu.Unlock()

	if c.backend == nil {
		return nil, false, false
	}

	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared cache backend unavailable, serving from LRU only", "key", key, "error", err)
		return nil, false, false
	}
	if raw == nil {
		return nil, false, false
	}
	var s stored
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("shared cache entry corrupt", "key", key, "error", err)
		return nil, false, false
	}

	// Refresh the LRU on a shared-tier hit.
	c.mu.Lock()
	c.lru.Add(lru.Key(key), &s)
	c.mu.Unlock()
	return &s.Entry, c.freshAt(s.StoredAt), true
}

// Set stores the entry in both tiers.
func (c *ContentCache) Set(ctx context.Context, mode models.FetchMode, rawURL string, entry models.CacheEntry) {
	key := Key(mode, rawURL)
	s := &stored{Entry: entry, StoredAt: c.clock()}

	c.mu.Lock()
	c.lru.Add(lru.Key(key), s)
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Put(ctx, key, raw); err != nil {
		c.logger.Warn("shared cache write failed", "key", key, "error", err)
	}
}

// Refresh resets an entry's clock after a 304 revalidation: the cached body
// is unchanged upstream, so the entry gets a new FetchedAt and a full TTL.
func (c *ContentCache) Refresh(ctx context.Context, mode models.FetchMode, rawURL string) {
	key := Key(mode, rawURL)

	c.mu.Lock()
	v, hit := c.lru.Get(lru.Key(key))
	if !hit {
		c.mu.Unlock()
		return
	}
	s := v.(*stored)
	now := c.clock()
	s.Entry.FetchedAt = now
	s.StoredAt = now
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.backend.Put(ctx, key, raw); err != nil {
		c.logger.Warn("shared cache refresh failed", "key", key, "error", err)
	}
}

func (c *ContentCache) freshAt(storedAt time.Time) bool {
	return c.clock().Sub(storedAt) < c.cfg.TTL
}
