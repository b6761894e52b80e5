package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/precatorios/precatorios-client/pkg/cache"
	"github.com/precatorios/precatorios-client/pkg/client"
	"github.com/precatorios/precatorios-client/pkg/metrics"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/query"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/precatorios/precatorios-client/pkg/pagination Fetcher

// Fetcher performs a single upstream attempt for one page.
type Fetcher interface {
	FetchPage(ctx context.Context, spec query.Spec) (precatorio.RawPage, error)
}

// PageCache is the subset of the request cache the driver needs.
type PageCache interface {
	GetOrFetch(ctx context.Context, key cache.Key, fetch cache.FetchFunc) (precatorio.RawPage, cache.Source, error)
}

// Config holds driver configuration.
type Config struct {
	// PageSize is the number of rows requested per page.
	PageSize int

	// MaxPages is the page budget of a single crawl.
	MaxPages int

	// RequestTimeout bounds each upstream attempt.
	RequestTimeout time.Duration

	// CrawlTimeout bounds the whole crawl. Zero disables the deadline.
	CrawlTimeout time.Duration
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:       500,
		MaxPages:       1000,
		RequestTimeout: 30 * time.Second,
		CrawlTimeout:   10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0:
		return precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"page size must be positive, got %d", c.PageSize)
	case c.MaxPages <= 0:
		return precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"max pages must be positive, got %d", c.MaxPages)
	case c.RequestTimeout < 0 || c.CrawlTimeout < 0:
		return precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"timeouts must not be negative")
	}
	return nil
}

// Deps are the collaborators of a Driver. Builder and Fetcher are required.
type Deps struct {
	Builder  *query.Builder
	Cache    PageCache
	Retry    *client.RetryPolicy
	Fetcher  Fetcher
	Observer metrics.Observer
	Logger   *zerolog.Logger
}

// Result is the outcome of one drive.
type Result struct {
	// Pages in arrival order.
	Pages []precatorio.RawPage

	// Fetched is the number of rows across all pages.
	Fetched int

	// CacheHits counts pages served from the cache.
	CacheHits int

	// UpstreamCalls counts HTTP attempts made by this drive.
	UpstreamCalls int

	Canceled         bool
	DeadlineExceeded bool
	CycleDetected    bool

	Warnings []string
}

// Driver runs the page loop for one entity at a time. It holds no per-crawl
// state and is safe for concurrent use.
type Driver struct {
	cfg      Config
	builder  *query.Builder
	cache    PageCache
	retry    *client.RetryPolicy
	fetcher  Fetcher
	observer metrics.Observer
	logger   zerolog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg Config, deps Deps) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Builder == nil || deps.Fetcher == nil {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"pagination driver needs a query builder and a fetcher")
	}
	if deps.Retry == nil {
		deps.Retry = client.NewRetryPolicy(client.RetryConfig{MaxAttempts: 1})
	}
	d := &Driver{
		cfg:      cfg,
		builder:  deps.Builder,
		cache:    deps.Cache,
		retry:    deps.Retry,
		fetcher:  deps.Fetcher,
		observer: metrics.NewSafe(deps.Observer),
		logger:   log.With().Str("component", "pagination").Logger(),
	}
	if deps.Logger != nil {
		d.logger = deps.Logger.With().Str("component", "pagination").Logger()
	}
	return d, nil
}

// Config returns the driver configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// Drive fetches the entity's pages until the cursor runs out, maxRecords rows
// have been fetched (maxRecords <= 0 means no limit), a cursor repeats, or the
// crawl is cancelled. A page whose continuation cursor was already seen is not
// part of the result. Cancellation and deadline are reported in the Result
// with the pages fetched so far. Fatal errors are *precatorio.Error values and
// are returned together with the partial result.
func (d *Driver) Drive(ctx context.Context, filter precatorio.EntityFilter, maxRecords int) (*Result, error) {
	start := time.Now()
	slug := filter.Entity.Slug
	logger := d.logger.With().Str("entity", slug).Logger()

	crawlCtx := ctx
	if d.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, d.cfg.CrawlTimeout)
		defer cancel()
	}

	res := &Result{}
	seen := make(map[precatorio.Cursor]struct{})
	cursor := precatorio.NoCursor

	for {
		if err := crawlCtx.Err(); err != nil {
			d.stop(res, err, logger)
			return res, nil
		}

		pageNum := len(res.Pages) + 1
		spec, err := d.builder.Build(filter, cursor, d.cfg.PageSize)
		if err != nil {
			return res, annotate(err, slug, pageNum)
		}

		page, src, err := d.fetch(crawlCtx, slug, cursor, spec, res)
		if err != nil {
			if ctxErr := crawlCtx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				d.stop(res, ctxErr, logger)
				return res, nil
			}
			logger.Error().Err(err).Int("page", pageNum).Msg("Page fetch failed")
			return res, annotate(err, slug, pageNum)
		}

		next := page.Cursor
		if _, dup := seen[next]; dup && !next.IsEmpty() {
			// The page re-enters a sequence already fetched; it is dropped.
			res.CycleDetected = true
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%v: cursor returned by page %d was already seen; stopping with %d pages",
				precatorio.ErrPaginationCycleDetected, pageNum, len(res.Pages)))
			logger.Warn().
				Int("page", pageNum).
				Bool("cursor_seen", true).
				Msg("Pagination cycle detected - returning partial result")
			break
		}

		res.Pages = append(res.Pages, page)
		res.Fetched += page.Len()
		if src.Hit() {
			res.CacheHits++
		}

		logger.Debug().
			Int("page", pageNum).
			Int("rows", page.Len()).
			Str("source", string(src)).
			Bool("cache_hit", src.Hit()).
			Msg("Page received")

		if pageNum%50 == 0 {
			logger.Info().
				Int("pages", pageNum).
				Int("fetched", res.Fetched).
				Msg("Crawl progress")
		}

		if next.IsEmpty() {
			break
		}
		if maxRecords > 0 && res.Fetched >= maxRecords {
			break
		}
		if pageNum >= d.cfg.MaxPages {
			logger.Error().Int("max_pages", d.cfg.MaxPages).Msg("Page budget exhausted")
			return res, &precatorio.Error{
				Kind:   precatorio.ErrPaginationLimitExceeded,
				Entity: slug,
				Stage:  precatorio.StagePaginate,
				Page:   pageNum,
				Err:    fmt.Errorf("more pages remain after %d pages", pageNum),
			}
		}
		seen[next] = struct{}{}
		cursor = next
	}

	logger.Info().
		Int("pages", len(res.Pages)).
		Int("fetched", res.Fetched).
		Int("cache_hits", res.CacheHits).
		Int("upstream_calls", res.UpstreamCalls).
		Dur("duration", time.Since(start)).
		Msg("Pagination complete")

	return res, nil
}

// fetch returns one page through the cache, falling back to the retried
// upstream call. Each attempt runs detached from crawl cancellation with its
// own timeout; cancellation is only observed between attempts and pages.
func (d *Driver) fetch(ctx context.Context, slug string, cursor precatorio.Cursor, spec query.Spec, res *Result) (precatorio.RawPage, cache.Source, error) {
	started := time.Now()
	d.observer.OnRequestStart(slug)

	upstream := func(ctx context.Context) (precatorio.RawPage, error) {
		page, attempts, err := d.retry.Execute(ctx, func(ctx context.Context) (precatorio.RawPage, error) {
			attemptCtx := context.WithoutCancel(ctx)
			if d.cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(attemptCtx, d.cfg.RequestTimeout)
				defer cancel()
			}
			return d.fetcher.FetchPage(attemptCtx, spec)
		})
		res.UpstreamCalls += attempts
		return page, err
	}

	var (
		page precatorio.RawPage
		src  = cache.SourceUpstream
		err  error
	)
	if d.cache != nil {
		key := cache.Key{Class: cache.ClassPage, Entity: slug, Cursor: cursor, PageSize: d.cfg.PageSize}
		page, src, err = d.cache.GetOrFetch(ctx, key, upstream)
	} else {
		page, err = upstream(ctx)
	}

	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeFailure
	case src.Hit():
		outcome = metrics.OutcomeCacheHit
	}
	d.observer.OnRequestEnd(slug, time.Since(started), outcome)

	return page, src, err
}

func (d *Driver) stop(res *Result, err error, logger zerolog.Logger) {
	if errors.Is(err, context.DeadlineExceeded) {
		res.DeadlineExceeded = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("crawl deadline exceeded after %d pages", len(res.Pages)))
	} else {
		res.Canceled = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("crawl canceled after %d pages", len(res.Pages)))
	}
	logger.Warn().
		Err(err).
		Int("pages", len(res.Pages)).
		Int("fetched", res.Fetched).
		Msg("Crawl stopped early - returning partial result")
}

// annotate fills entity and page into a taxonomy error.
func annotate(err error, slug string, page int) error {
	var perr *precatorio.Error
	if errors.As(err, &perr) {
		if perr.Entity == "" {
			perr.Entity = slug
		}
		if perr.Page == 0 {
			perr.Page = page
		}
		return perr
	}
	return &precatorio.Error{
		Kind:   precatorio.ErrUpstreamUnavailable,
		Entity: slug,
		Stage:  precatorio.StageFetch,
		Page:   page,
		Err:    err,
	}
}
