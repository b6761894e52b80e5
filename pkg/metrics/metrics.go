// Package metrics defines the sink a crawl reports to and its Prometheus
// implementation. Component metrics (cache, client, ratelimit) are defined in
// their own packages and registered through promauto.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Outcome labels a finished upstream request.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCacheHit  Outcome = "cache_hit"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Observer receives crawl events. Implementations must be safe for
// concurrent use.
type Observer interface {
	OnRequestStart(entity string)
	OnRequestEnd(entity string, duration time.Duration, outcome Outcome)
	OnRecordsProcessed(entity string, n int)
	OnError(entity string, kind string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnRequestStart(string)                       {}
func (Nop) OnRequestEnd(string, time.Duration, Outcome) {}
func (Nop) OnRecordsProcessed(string, int)              {}
func (Nop) OnError(string, string)                      {}

// Safe wraps an Observer so that a panicking sink never fails a crawl.
type Safe struct {
	inner Observer
}

// NewSafe wraps o. A nil o yields a Nop sink.
func NewSafe(o Observer) *Safe {
	if o == nil {
		o = Nop{}
	}
	return &Safe{inner: o}
}

func (s *Safe) OnRequestStart(entity string) {
	defer recoverSink("OnRequestStart")
	s.inner.OnRequestStart(entity)
}

func (s *Safe) OnRequestEnd(entity string, duration time.Duration, outcome Outcome) {
	defer recoverSink("OnRequestEnd")
	s.inner.OnRequestEnd(entity, duration, outcome)
}

func (s *Safe) OnRecordsProcessed(entity string, n int) {
	defer recoverSink("OnRecordsProcessed")
	s.inner.OnRecordsProcessed(entity, n)
}

func (s *Safe) OnError(entity string, kind string) {
	defer recoverSink("OnError")
	s.inner.OnError(entity, kind)
}

func recoverSink(event string) {
	if r := recover(); r != nil {
		log.Warn().
			Str("component", "metrics").
			Str("event", event).
			Interface("panic", r).
			Msg("Metrics sink panicked")
	}
}

// Crawl metrics.
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_requests_total",
			Help: "Total number of page requests by entity",
		},
		[]string{"entity"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "precatorios_request_duration_seconds",
			Help:    "Page request duration by entity and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity", "outcome"},
	)

	recordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_records_processed_total",
			Help: "Total number of normalized records by entity",
		},
		[]string{"entity"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "precatorios_errors_total",
			Help: "Total number of crawl errors by entity and kind",
		},
		[]string{"entity", "kind"},
	)

	activeRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "precatorios_active_requests",
			Help: "Number of page requests in progress by entity",
		},
		[]string{"entity"},
	)
)

// Prometheus records crawl events as Prometheus metrics.
type Prometheus struct{}

// NewPrometheus returns an Observer backed by the default registry.
func NewPrometheus() *Prometheus {
	return &Prometheus{}
}

func (*Prometheus) OnRequestStart(entity string) {
	requestsTotal.WithLabelValues(entity).Inc()
	activeRequests.WithLabelValues(entity).Inc()
}

func (*Prometheus) OnRequestEnd(entity string, duration time.Duration, outcome Outcome) {
	activeRequests.WithLabelValues(entity).Dec()
	requestDuration.WithLabelValues(entity, string(outcome)).Observe(duration.Seconds())
}

func (*Prometheus) OnRecordsProcessed(entity string, n int) {
	if n <= 0 {
		return
	}
	recordsProcessedTotal.WithLabelValues(entity).Add(float64(n))
}

func (*Prometheus) OnError(entity string, kind string) {
	errorsTotal.WithLabelValues(entity, kind).Inc()
}

// Metrics Documentation
//
// Crawl Metrics (pkg/metrics):
//   - precatorios_requests_total{entity} (Counter): Page requests started
//   - precatorios_request_duration_seconds{entity, outcome} (Histogram): Page request duration
//   - precatorios_records_processed_total{entity} (Counter): Normalized records
//   - precatorios_errors_total{entity, kind} (Counter): Fatal errors and rejected rows
//   - precatorios_active_requests{entity} (Gauge): Page requests in progress
//
// Cache Metrics (pkg/cache):
//   - precatorios_cache_hits_total{layer} (Counter): Hits by layer (memory, redis, shared)
//   - precatorios_cache_misses_total{class} (Counter): Misses by key class
//   - precatorios_cache_entries{layer} (Gauge): Entries held in memory
//   - precatorios_cache_evictions_total (Counter): Expired entries evicted on lookup
//   - precatorios_cache_errors_total{operation} (Counter): Redis tier errors
//
// Upstream Metrics (pkg/client):
//   - precatorios_upstream_requests_total{status} (Counter): HTTP attempts by status
//   - precatorios_upstream_request_duration_seconds (Histogram): HTTP attempt duration
//   - precatorios_upstream_errors_total{class} (Counter): Failed attempts by class
//   - precatorios_retries_total{error_class} (Counter): Retry attempts
//   - precatorios_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - precatorios_retry_exhausted_total{error_class} (Counter): Fetches that gave up
//
// Admission Metrics (pkg/ratelimit):
//   - precatorios_gate_in_flight (Gauge): Admitted upstream requests
//   - precatorios_gate_wait_seconds (Histogram): Time waiting for admission
//   - precatorios_rate_limit_cooldowns_total (Counter): Rate limit responses
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(precatorios_cache_hits_total[5m])) /
//   (sum(rate(precatorios_cache_hits_total[5m])) + sum(rate(precatorios_cache_misses_total[5m])))
//
//   # Rejected rows per entity
//   sum by (entity) (rate(precatorios_errors_total{kind="validation_failure"}[1h]))
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(precatorios_request_duration_seconds_bucket[5m]))
