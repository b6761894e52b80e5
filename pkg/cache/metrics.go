package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_cache_hits_total",
			Help: "Total number of page cache hits",
		},
		[]string{"layer"}, // "memory", "redis", "shared"
	)

	// CacheMisses tracks cache misses by key class
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_cache_misses_total",
			Help: "Total number of page cache misses",
		},
		[]string{"class"},
	)

	// CacheEntries tracks live entries by layer
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "precatorios_cache_entries",
			Help: "Current number of cached pages",
		},
		[]string{"layer"}, // "memory"
	)

	// CacheEvictions tracks expired entries removed on lookup
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "precatorios_cache_evictions_total",
			Help: "Total number of expired cache entries evicted on lookup",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "purge"
	)
)
