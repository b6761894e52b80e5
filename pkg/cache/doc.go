// Package cache memoizes upstream report pages for a short TTL.
//
// The cache is an explicit instance owned by a crawl session. It provides:
//
//   - Per key-class TTLs (entity listings live longer than page fetches)
//   - Lazy eviction of expired entries on lookup, with no background sweeper
//   - At-most-once population per key: concurrent misses share one fetch
//   - An optional Redis tier shared between processes
//   - Prometheus metrics for observability
//
// The cache never changes crawl results. Disabling it (TTL <= 0) only means
// more upstream calls.
//
// # Basic Usage
//
//	c := cache.New(cache.Config{PageTTL: 5 * time.Minute, EntityTTL: time.Hour})
//
//	key := cache.Key{Class: cache.ClassPage, Entity: "municipio-de-fortaleza", Cursor: cursor, PageSize: 500}
//	page, src, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (precatorio.RawPage, error) {
//		return retry.Execute(ctx, fetch)
//	})
//
// # Redis Tier
//
//	manager := cache.NewManager(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
//	c := cache.New(cfg, cache.WithRedis(manager))
//
// Redis failures are logged and treated as misses; they never fail a crawl.
//
// # Metrics
//
//   - precatorios_cache_hits_total{layer} - hits by layer (memory, redis, shared)
//   - precatorios_cache_misses_total{class} - misses by key class
//   - precatorios_cache_entries{layer="memory"} - live entries
//   - precatorios_cache_evictions_total - expired entries removed on lookup
//   - precatorios_cache_errors_total{operation} - Redis tier errors
package cache
