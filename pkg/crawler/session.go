// Package crawler composes entity resolution, pagination and normalization
// into one call per entity.
package crawler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/precatorios/precatorios-client/pkg/cache"
	"github.com/precatorios/precatorios-client/pkg/client"
	"github.com/precatorios/precatorios-client/pkg/entity"
	"github.com/precatorios/precatorios-client/pkg/metrics"
	"github.com/precatorios/precatorios-client/pkg/normalize"
	"github.com/precatorios/precatorios-client/pkg/pagination"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/query"
)

// entityPlaceholder is the report's empty selection, returned by the entity
// listing query.
const entityPlaceholder = "--- Selecione a Entidade"

// DefaultMaxConcurrency bounds CrawlMany when Config.MaxConcurrency is unset.
const DefaultMaxConcurrency = 4

// Config holds session configuration.
type Config struct {
	Pagination pagination.Config
	Query      query.Config
	Retry      client.RetryConfig

	// MaxConcurrency bounds the number of entities crawled at once by
	// CrawlMany.
	MaxConcurrency int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Pagination:     pagination.DefaultConfig(),
		Query:          query.Config{ResourceKey: query.DefaultResourceKey, ModelID: query.DefaultModelID},
		Retry:          client.DefaultRetryConfig(),
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Deps are the collaborators of a Session. Resolver and Fetcher are
// required; a nil Cache gets a fresh in-memory cache with default TTLs.
type Deps struct {
	Resolver *entity.Resolver
	Fetcher  pagination.Fetcher
	Cache    *cache.Cache
	Observer metrics.Observer
	Logger   *zerolog.Logger
}

// Rejection is a row excluded from a crawl's records.
type Rejection struct {
	// Page is the 1-based page the row arrived in.
	Page int `json:"page"`
	normalize.RowFailure
}

// Result is the outcome of one crawl. It is not modified after Crawl
// returns.
type Result struct {
	Entity  precatorio.EntityIdentifier `json:"entity"`
	Records []precatorio.Record         `json:"records"`

	Pages              int `json:"pages"`
	RowsFetched        int `json:"rows_fetched"`
	CacheHits          int `json:"cache_hits"`
	UpstreamCalls      int `json:"upstream_calls"`
	ValidationFailures int `json:"validation_failures"`

	Rejections []Rejection `json:"rejections,omitempty"`

	Canceled         bool     `json:"canceled"`
	DeadlineExceeded bool     `json:"deadline_exceeded"`
	CycleDetected    bool     `json:"cycle_detected"`
	Warnings         []string `json:"warnings,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Partial reports whether the crawl stopped before the upstream ran out of
// pages.
func (r *Result) Partial() bool {
	return r.Canceled || r.DeadlineExceeded || r.CycleDetected
}

// Outcome is the result of one identifier in CrawlMany.
type Outcome struct {
	Identifier string
	Result     *Result
	Err        error
}

// Session runs crawls. It is safe for concurrent use; concurrent crawls
// share the cache and the fetcher's admission gate.
type Session struct {
	cfg        Config
	resolver   *entity.Resolver
	builder    *query.Builder
	cache      *cache.Cache
	retry      *client.RetryPolicy
	fetcher    pagination.Fetcher
	driver     *pagination.Driver
	normalizer *normalize.Normalizer
	observer   metrics.Observer
	logger     zerolog.Logger
}

// New creates a Session. Configuration errors are returned as
// InvalidConfiguration before any network call.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Resolver == nil || deps.Fetcher == nil {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"crawl session needs a resolver and a fetcher")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	logger := log.With().Str("component", "crawler").Logger()
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("component", "crawler").Logger()
	}
	c := deps.Cache
	if c == nil {
		c = cache.New(cache.DefaultConfig(), cache.WithLogger(logger))
	}
	observer := metrics.NewSafe(deps.Observer)
	builder := query.NewBuilder(cfg.Query)
	retry := client.NewRetryPolicy(cfg.Retry)

	driver, err := pagination.NewDriver(cfg.Pagination, pagination.Deps{
		Builder:  builder,
		Cache:    c,
		Retry:    retry,
		Fetcher:  deps.Fetcher,
		Observer: observer,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:        cfg,
		resolver:   deps.Resolver,
		builder:    builder,
		cache:      c,
		retry:      retry,
		fetcher:    deps.Fetcher,
		driver:     driver,
		normalizer: normalize.New(),
		observer:   observer,
		logger:     logger,
	}, nil
}

// Crawl resolves identifier, fetches every page of the entity and returns
// the normalized records ranked 1..N in arrival order. maxRecords <= 0 means
// no limit. Cancellation, a cursor cycle and rejected rows are reported in
// the Result; fatal errors are *precatorio.Error values.
func (s *Session) Crawl(ctx context.Context, identifier string, maxRecords int) (*Result, error) {
	start := time.Now()

	filter, err := s.resolver.Resolve(identifier)
	if err != nil {
		s.observer.OnError(identifier, precatorio.KindName(err))
		s.logger.Warn().Err(err).Str("identifier", identifier).Msg("Entity not resolved")
		return nil, err
	}
	slug := filter.Entity.Slug
	logger := s.logger.With().Str("entity", slug).Logger()
	logger.Info().Int("max_records", maxRecords).Msg("Crawl started")

	dres, err := s.driver.Drive(ctx, filter, maxRecords)
	if err != nil {
		s.observer.OnError(slug, precatorio.KindName(err))
		logger.Error().Err(err).Msg("Crawl failed")
		return nil, err
	}

	res := &Result{
		Entity:           filter.Entity,
		Records:          make([]precatorio.Record, 0, dres.Fetched),
		Pages:            len(dres.Pages),
		RowsFetched:      dres.Fetched,
		CacheHits:        dres.CacheHits,
		UpstreamCalls:    dres.UpstreamCalls,
		Canceled:         dres.Canceled,
		DeadlineExceeded: dres.DeadlineExceeded,
		CycleDetected:    dres.CycleDetected,
		Warnings:         append([]string(nil), dres.Warnings...),
	}

	for i, page := range dres.Pages {
		out := s.normalizer.Normalize(page)
		res.Records = append(res.Records, out.Records...)
		for _, f := range out.Failures {
			res.Rejections = append(res.Rejections, Rejection{Page: i + 1, RowFailure: f})
			s.observer.OnError(slug, precatorio.KindName(f))
			logger.Debug().Int("page", i+1).Int("row", f.Row).Str("reason", f.Error()).Msg("Row rejected")
		}
	}
	res.ValidationFailures = len(res.Rejections)
	if res.ValidationFailures > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d rows rejected by validation", res.ValidationFailures))
		logger.Warn().Int("rejected", res.ValidationFailures).Msg("Rows rejected by validation")
	}

	for i := range res.Records {
		res.Records[i].Ordem = i + 1
	}
	if maxRecords > 0 && len(res.Records) > maxRecords {
		res.Records = res.Records[:maxRecords]
	}

	s.observer.OnRecordsProcessed(slug, len(res.Records))
	res.Duration = time.Since(start)

	logger.Info().
		Int("records", len(res.Records)).
		Int("pages", res.Pages).
		Int("cache_hits", res.CacheHits).
		Int("rejected", res.ValidationFailures).
		Bool("partial", res.Partial()).
		Dur("duration", res.Duration).
		Msg("Crawl complete")

	return res, nil
}

// CrawlMany crawls each identifier independently, at most MaxConcurrency at
// a time. Outcomes follow the order of identifiers; a failed crawl never
// stops the others.
func (s *Session) CrawlMany(ctx context.Context, identifiers []string, maxRecords int) []Outcome {
	outcomes := make([]Outcome, len(identifiers))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, id := range identifiers {
		g.Go(func() error {
			res, err := s.Crawl(ctx, id, maxRecords)
			outcomes[i] = Outcome{Identifier: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Entities returns the configured entity table sorted by official name.
func (s *Session) Entities() []precatorio.EntityIdentifier {
	return s.resolver.ListAll()
}

// Resolve exposes the session's entity resolution.
func (s *Session) Resolve(identifier string) (precatorio.EntityFilter, error) {
	return s.resolver.Resolve(identifier)
}

// Refresh drops the cached pages of identifier so the next crawl reads the
// upstream again. It returns the number of cache entries removed.
func (s *Session) Refresh(ctx context.Context, identifier string) (int, error) {
	filter, err := s.resolver.Resolve(identifier)
	if err != nil {
		return 0, err
	}
	slug := filter.Entity.Slug
	removed, err := s.cache.Purge(ctx, cache.ClassPage, slug)
	if err != nil {
		s.logger.Warn().Err(err).Str("entity", slug).Msg("Cache purge incomplete")
		return removed, fmt.Errorf("refresh %s: %w", slug, err)
	}
	s.logger.Info().Str("entity", slug).Int("removed", removed).Msg("Cached pages dropped")
	return removed, nil
}

// FetchEntities asks the upstream for the entity names present in the
// report. The listing is cached under its own key class.
func (s *Session) FetchEntities(ctx context.Context) ([]string, error) {
	spec, err := s.builder.BuildEntityListing()
	if err != nil {
		return nil, err
	}

	key := cache.Key{Class: cache.ClassEntities}
	page, src, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (precatorio.RawPage, error) {
		page, _, err := s.retry.Execute(ctx, func(ctx context.Context) (precatorio.RawPage, error) {
			attemptCtx := ctx
			if t := s.cfg.Pagination.RequestTimeout; t > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, t)
				defer cancel()
			}
			return s.fetcher.FetchPage(attemptCtx, spec)
		})
		return page, err
	})
	if err != nil {
		s.observer.OnError("entities", precatorio.KindName(err))
		return nil, err
	}

	names := entityNames(page)
	s.logger.Info().
		Int("entities", len(names)).
		Str("source", string(src)).
		Msg("Entity listing fetched")
	return names, nil
}

// entityNames extracts the sorted distinct names of the first column,
// without the placeholder selection.
func entityNames(page precatorio.RawPage) []string {
	seen := make(map[string]struct{}, len(page.Rows))
	names := make([]string, 0, len(page.Rows))
	for _, row := range page.Rows {
		if len(row) == 0 {
			continue
		}
		name, ok := row[0].(string)
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || name == entityPlaceholder {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
