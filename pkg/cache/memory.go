package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Default TTLs per key class.
const (
	DefaultPageTTL   = 5 * time.Minute
	DefaultEntityTTL = time.Hour
)

// Source tells where a GetOrFetch result came from.
type Source string

const (
	SourceMemory   Source = "memory"
	SourceRedis    Source = "redis"
	SourceShared   Source = "shared"
	SourceUpstream Source = "upstream"
)

// Hit reports whether the result was served without calling fetch.
func (s Source) Hit() bool {
	return s != SourceUpstream
}

// Config holds the TTL per key class. A TTL <= 0 disables storage for that
// class; concurrent misses are still coalesced.
type Config struct {
	PageTTL   time.Duration
	EntityTTL time.Duration
}

// DefaultConfig returns the default TTLs.
func DefaultConfig() Config {
	return Config{PageTTL: DefaultPageTTL, EntityTTL: DefaultEntityTTL}
}

// FetchFunc produces a page on a cache miss.
type FetchFunc func(ctx context.Context) (precatorio.RawPage, error)

// Option configures a Cache.
type Option func(*Cache)

// WithRedis adds a shared Redis tier behind the in-memory map.
func WithRedis(m *Manager) Option {
	return func(c *Cache) { c.remote = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Cache is the request cache shared by concurrent crawls. The mutex guards
// only the map and is never held while fetching.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	cfg    Config
	remote *Manager
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		now:     time.Now,
		logger:  log.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured TTL for a key class.
func (c *Cache) TTL(class KeyClass) time.Duration {
	if class == ClassEntities {
		return c.cfg.EntityTTL
	}
	return c.cfg.PageTTL
}

// Get looks the key up in memory, then in Redis. Expired entries are removed.
func (c *Cache) Get(ctx context.Context, key Key) (precatorio.RawPage, bool) {
	page, src, ok := c.lookup(ctx, key)
	if !ok {
		CacheMisses.WithLabelValues(string(key.Class)).Inc()
		return precatorio.RawPage{}, false
	}
	CacheHits.WithLabelValues(string(src)).Inc()
	return page, true
}

// Put stores a page under the TTL of its key class.
func (c *Cache) Put(ctx context.Context, key Key, page precatorio.RawPage) {
	c.PutWithTTL(ctx, key, page, c.TTL(key.Class))
}

// PutWithTTL stores a page with an explicit TTL. A TTL <= 0 is a no-op.
func (c *Cache) PutWithTTL(ctx context.Context, key Key, page precatorio.RawPage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	entry := &Entry{Page: page, Expires: now.Add(ttl), CachedAt: now}
	c.store(key, entry)

	if c.remote != nil {
		if err := c.remote.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Redis cache set failed")
		}
	}
}

// GetOrFetch returns the cached page for key, or calls fetch once for all
// concurrent callers missing the same key and caches its result. Errors are
// never cached.
//
// The shared fetch runs on a context detached from the first caller's
// cancellation, so canceling one caller never fails the others waiting on
// the same key. fetch must bound its own duration.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (precatorio.RawPage, Source, error) {
	if page, src, ok := c.lookup(ctx, key); ok {
		CacheHits.WithLabelValues(string(src)).Inc()
		return page, src, nil
	}

	ran := false
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		ran = true
		if page, src, ok := c.lookup(shared, key); ok {
			return hit{page: page, src: src}, nil
		}
		CacheMisses.WithLabelValues(string(key.Class)).Inc()
		page, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		c.Put(shared, key, page)
		return hit{page: page, src: SourceUpstream}, nil
	})
	if err != nil {
		return precatorio.RawPage{}, SourceUpstream, err
	}

	h, ok := v.(hit)
	if !ok {
		return precatorio.RawPage{}, SourceUpstream, errors.New("cache: unexpected singleflight result")
	}
	if !ran {
		CacheHits.WithLabelValues(string(SourceShared)).Inc()
		return h.page, SourceShared, nil
	}
	if h.src.Hit() {
		CacheHits.WithLabelValues(string(h.src)).Inc()
	}
	return h.page, h.src, nil
}

// Purge drops every entry of entity in class from memory and Redis. It
// returns the number of entries removed from both tiers together.
func (c *Cache) Purge(ctx context.Context, class KeyClass, entity string) (int, error) {
	prefix := Prefix(class, entity)

	c.mu.Lock()
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	CacheEntries.WithLabelValues("memory").Set(float64(len(c.entries)))
	c.mu.Unlock()

	if c.remote == nil {
		return removed, nil
	}
	n, err := c.remote.Purge(ctx, prefix)
	removed += n
	if err != nil {
		return removed, err
	}
	c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("Cache purged")
	return removed, nil
}

// Len returns the number of entries in memory, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type hit struct {
	page precatorio.RawPage
	src  Source
}

func (c *Cache) lookup(ctx context.Context, key Key) (precatorio.RawPage, Source, bool) {
	k := key.String()
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[k]
	if ok && entry.isExpiredAt(now) {
		delete(c.entries, k)
		CacheEntries.WithLabelValues("memory").Set(float64(len(c.entries)))
		CacheEvictions.Inc()
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.logger.Debug().Str("key", k).Bool("cache_hit", true).Msg("Memory cache hit")
		return entry.Page, SourceMemory, true
	}

	if c.remote == nil {
		return precatorio.RawPage{}, "", false
	}

	remote, err := c.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", k).Msg("Redis cache get failed")
		}
		return precatorio.RawPage{}, "", false
	}
	if remote.isExpiredAt(now) {
		return precatorio.RawPage{}, "", false
	}

	c.store(key, remote)
	c.logger.Debug().Str("key", k).Bool("cache_hit", true).Msg("Redis cache hit")
	return remote.Page, SourceRedis, true
}

func (c *Cache) store(key Key, entry *Entry) {
	c.mu.Lock()
	c.entries[key.String()] = entry
	CacheEntries.WithLabelValues("memory").Set(float64(len(c.entries)))
	c.mu.Unlock()
}
