package client

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precatorios_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "precatorios_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precatorios_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. It doubles on
	// every further retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// MaxJitter is the upper bound of the random delay added to each backoff.
	MaxJitter time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		MaxJitter:      500 * time.Millisecond,
	}
}

// Operation is one page-fetch attempt.
type Operation func(ctx context.Context) (precatorio.RawPage, error)

// RetryPolicy runs an operation, retrying transient failures with capped
// exponential backoff plus jitter.
type RetryPolicy struct {
	cfg     RetryConfig
	backoff retry.DelayTypeFunc
	logger  zerolog.Logger
}

// NewRetryPolicy creates a retry policy. MaxAttempts below one is treated
// as one.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := retry.BackOffDelay
	if cfg.MaxJitter > 0 {
		backoff = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}
	return &RetryPolicy{
		cfg:     cfg,
		backoff: backoff,
		logger:  log.With().Str("component", "retry").Logger(),
	}
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// Execute runs op until it succeeds, fails permanently or runs out of
// attempts. It returns the number of attempts made. Failures are returned as
// *precatorio.Error of kind ErrUpstreamUnavailable carrying the last cause.
func (p *RetryPolicy) Execute(ctx context.Context, op Operation) (precatorio.RawPage, int, error) {
	attempts := 0
	var lastErr error

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.MaxAttempts)),
		retry.Delay(p.cfg.InitialBackoff),
		retry.DelayType(p.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Classify(err) == Transient
		}),
		retry.OnRetry(func(n uint, err error) {
			retriesTotal.WithLabelValues(string(ClassOf(err))).Inc()
		}),
	}
	if p.cfg.MaxBackoff > 0 {
		opts = append(opts, retry.MaxDelay(p.cfg.MaxBackoff))
	}
	if p.cfg.MaxJitter > 0 {
		opts = append(opts, retry.MaxJitter(p.cfg.MaxJitter))
	}

	page, err := retry.DoWithData(
		func() (precatorio.RawPage, error) {
			attempts++
			page, err := op(ctx)
			if err != nil {
				lastErr = err
			}
			return page, err
		},
		opts...,
	)
	if err == nil {
		if attempts > 1 {
			p.logger.Info().Int("attempt", attempts).Msg("Request succeeded after retry")
		}
		return page, attempts, nil
	}

	if lastErr == nil {
		lastErr = err
	}
	class := ClassOf(lastErr)
	if Classify(lastErr) == Transient && attempts >= p.cfg.MaxAttempts {
		retryExhaustedTotal.WithLabelValues(string(class)).Inc()
		p.logger.Warn().
			Str("error_class", string(class)).
			Int("max_attempts", p.cfg.MaxAttempts).
			Msg("Retry attempts exhausted")
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = errors.Join(lastErr, ctxErr)
	}

	return precatorio.RawPage{}, attempts, &precatorio.Error{
		Kind:     precatorio.ErrUpstreamUnavailable,
		Stage:    precatorio.StageFetch,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// delay is exponential backoff plus up to MaxJitter of random delay, capped
// at MaxBackoff.
func (p *RetryPolicy) delay(n uint, err error, config *retry.Config) time.Duration {
	d := p.backoff(n, err, config)
	if p.cfg.MaxBackoff > 0 && d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}

	class := string(ClassOf(err))
	retryBackoffSeconds.WithLabelValues(class).Observe(d.Seconds())
	p.logger.Debug().
		Str("error_class", class).
		Uint("retry", n+1).
		Dur("backoff", d).
		Msg("Retrying request after backoff")
	return d
}
