package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for admission control.
var (
	gateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "precatorios_gate_in_flight",
		Help: "Number of upstream requests currently admitted",
	})

	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precatorios_gate_wait_seconds",
		Help:    "Time spent waiting for admission",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})

	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precatorios_rate_limit_cooldowns_total",
		Help: "Total number of rate limit responses that paused admission",
	})
)

// Config holds gate configuration.
type Config struct {
	// MaxConcurrency bounds in-flight upstream requests.
	MaxConcurrency int

	// DefaultCooldown applies to rate limit responses without Retry-After.
	DefaultCooldown time.Duration
}

// Gate admits upstream requests. It is safe for concurrent use and is meant
// to be shared by every crawl in a process.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu            sync.Mutex
	inFlight      int
	cooldownUntil time.Time
	rateLimited   int64
}

// NewGate creates a new admission gate.
func NewGate(cfg Config, logger zerolog.Logger) *Gate {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		capacity: cfg.MaxConcurrency,
		cooldown: cfg.DefaultCooldown,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
	}
}

// Acquire waits out any cooldown, then takes a slot. The returned release
// function is idempotent.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	start := g.now()

	if err := g.waitCooldown(ctx); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	gateWaitSeconds.Observe(g.now().Sub(start).Seconds())

	g.mu.Lock()
	g.inFlight++
	gateInFlight.Set(float64(g.inFlight))
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.inFlight--
			gateInFlight.Set(float64(g.inFlight))
			g.mu.Unlock()
			g.sem.Release(1)
		})
	}, nil
}

// Observe records a response status. Rate limit responses pause admission for
// the Retry-After duration, or the default cooldown.
func (g *Gate) Observe(status int, header http.Header) {
	if !isRateLimit(status) {
		return
	}

	now := g.now()
	d, ok := ParseRetryAfter(header, now)
	if !ok {
		d = g.cooldown
	}
	if d > MaxCooldown {
		d = MaxCooldown
	}

	g.mu.Lock()
	g.rateLimited++
	until := now.Add(d)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	rateLimitCooldownsTotal.Inc()
	g.logger.Warn().
		Int("status", status).
		Dur("cooldown", d).
		Msg("Upstream rate limit - pausing admission")
}

// State returns a snapshot of the gate.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Capacity:      g.capacity,
		InFlight:      g.inFlight,
		CooldownUntil: g.cooldownUntil,
		RateLimited:   g.rateLimited,
	}
}

func (g *Gate) waitCooldown(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := g.cooldownUntil.Sub(g.now())
		g.mu.Unlock()
		if wait <= 0 {
			return nil
		}

		g.logger.Debug().Dur("wait", wait).Msg("Waiting for rate limit cooldown")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("cooldown: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
