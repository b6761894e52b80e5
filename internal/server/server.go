// Package server exposes crawls over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/precatorios/precatorios-client/internal/export"
	"github.com/precatorios/precatorios-client/pkg/crawler"
	"github.com/precatorios/precatorios-client/pkg/entity"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/ratelimit"
)

const (
	// DefaultEntity is crawled when a fetch names no entity.
	DefaultEntity = "municipio-de-fortaleza"

	// MaxPerPage caps the per_page parameter.
	MaxPerPage = 100

	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// Crawler is the part of crawler.Session the server needs.
type Crawler interface {
	Crawl(ctx context.Context, identifier string, maxRecords int) (*crawler.Result, error)
	Entities() []precatorio.EntityIdentifier
	FetchEntities(ctx context.Context) ([]string, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GateState exposes the admission gate for readiness checks.
type GateState interface {
	State() ratelimit.State
}

// HTTPError carries the status code a handler error maps to.
type HTTPError struct {
	code int
	error
}

// NewHTTPError wraps err with an HTTP status code.
func NewHTTPError(code int, err error) HTTPError {
	return HTTPError{code: code, error: err}
}

// Option configures a Server.
type Option func(*Server)

// WithGate reports gate cooldowns on /ready and /health.
func WithGate(g GateState) Option {
	return func(s *Server) { s.gate = g }
}

// WithPinger checks p on /ready.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server serves the HTTP API.
type Server struct {
	crawler Crawler
	gate    GateState
	pinger  Pinger
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Server over c.
func New(c Crawler, opts ...Option) *Server {
	s := &Server{
		crawler: c,
		logger:  log.With().Str("component", "server").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns a gin engine with recovery, request logging and every
// route registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API on r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.Health)
	r.GET("/ready", s.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/entities", s.ListEntities)
	api.GET("/fetch", s.Fetch)
}

// Health always answers 200 with the gate snapshot when one is set.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.gate != nil {
		body["gate"] = s.gate.State()
	}
	c.JSON(http.StatusOK, body)
}

// Ready answers 503 while the cache store is unreachable or the upstream
// has put the gate in cooldown.
func (s *Server) Ready(c *gin.Context) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			handleError(c, NewHTTPError(http.StatusServiceUnavailable, errors.New("cache unavailable: "+err.Error())))
			return
		}
	}
	if s.gate != nil {
		if st := s.gate.State(); st.InCooldown(s.now()) {
			c.Header("Retry-After", st.CooldownUntil.UTC().Format(http.TimeFormat))
			handleError(c, NewHTTPError(http.StatusServiceUnavailable, errors.New("upstream rate limited")))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type entityMapping struct {
	OfficialName string `json:"official_name"`
	Slug         string `json:"slug"`
}

// ListEntities lists the configured entities, or the upstream listing with
// remote=true.
func (s *Server) ListEntities(c *gin.Context) {
	var mappings []entityMapping
	if c.Query("remote") == "true" {
		names, err := s.crawler.FetchEntities(c.Request.Context())
		if err != nil {
			handleError(c, err)
			return
		}
		mappings = make([]entityMapping, 0, len(names))
		for _, name := range names {
			mappings = append(mappings, entityMapping{OfficialName: name, Slug: entity.Slugify(name)})
		}
	} else {
		entities := s.crawler.Entities()
		mappings = make([]entityMapping, 0, len(entities))
		for _, e := range entities {
			mappings = append(mappings, entityMapping{OfficialName: e.OfficialName, Slug: e.Slug})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"count":  len(mappings),
		"data":   mappings,
	})
}

type fetchResponse struct {
	Status     string                      `json:"status"`
	Entity     precatorio.EntityIdentifier `json:"entity"`
	Total      int                         `json:"total"`
	Page       int                         `json:"page"`
	PerPage    int                         `json:"per_page"`
	TotalPages int                         `json:"total_pages"`
	Partial    bool                        `json:"partial"`
	Rejected   int                         `json:"rejected"`
	Warnings   []string                    `json:"warnings,omitempty"`
	Data       []precatorio.Record         `json:"data"`
}

// Fetch crawls one entity, then filters, sorts and pages the records.
// format=csv streams the selected page as CSV instead of JSON.
func (s *Server) Fetch(c *gin.Context) {
	var params fetchParams
	if err := c.ShouldBindQuery(&params); err != nil {
		handleError(c, NewHTTPError(http.StatusBadRequest, err))
		return
	}
	q, err := params.compile()
	if err != nil {
		handleError(c, NewHTTPError(http.StatusBadRequest, err))
		return
	}

	res, err := s.crawler.Crawl(c.Request.Context(), q.entity, q.count)
	if err != nil {
		handleError(c, err)
		return
	}

	rows := q.apply(res.Records)
	page := paginate(rows, q.page, q.perPage)

	if q.format == formatCSV {
		c.Header("Content-Disposition", `attachment; filename="`+res.Entity.Slug+`.csv"`)
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := export.WriteCSV(c.Writer, page, export.Options{}); err != nil {
			s.logger.Error().Err(err).Str("entity", res.Entity.Slug).Msg("Failed to write CSV response")
		}
		return
	}

	c.JSON(http.StatusOK, fetchResponse{
		Status:     "success",
		Entity:     res.Entity,
		Total:      len(rows),
		Page:       q.page,
		PerPage:    q.perPage,
		TotalPages: (len(rows) + q.perPage - 1) / q.perPage,
		Partial:    res.Partial(),
		Rejected:   res.ValidationFailures,
		Warnings:   res.Warnings,
		Data:       page,
	})
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(requestIDHeader, id)

	c.Next()

	ev := s.logger.Info()
	if c.Writer.Status() >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
		ev = ev.Str("error", msg)
	}
	ev.Str(requestIDKey, id).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Str("client", c.ClientIP()).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// statusFor maps crawl errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.code
	}
	switch {
	case errors.Is(err, precatorio.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, precatorio.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, precatorio.ErrUpstreamUnavailable),
		errors.Is(err, precatorio.ErrPaginationLimitExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		err = errors.New("handler failed without an error")
	}
	code := statusFor(err)
	body := gin.H{
		"status":  "error",
		"code":    code,
		"message": err.Error(),
	}
	if kind := precatorio.KindName(err); kind != "unknown" {
		body["kind"] = kind
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, body)
}
