// Package client fetches report pages from the upstream querydata endpoint,
// classifies failures and retries transient ones.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/query"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precatorios_upstream_requests_total",
		Help: "Total upstream requests by status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "precatorios_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precatorios_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// DefaultAPIURL is the public Power BI querydata endpoint serving the report.
const DefaultAPIURL = "https://wabi-brazil-south-b-primary-api.analysis.windows.net/public/reports/querydata"

const (
	defaultUserAgent = "precatorios-client/1.0"
	maxResponseBytes = 64 << 20
	maxErrorSnippet  = 256
)

// Gate admits upstream requests. It is shared by every crawl of a process.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
	Observe(status int, header http.Header)
}

// Config holds the client configuration.
type Config struct {
	// APIURL is the querydata endpoint. synchronous=true is appended when
	// missing.
	APIURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Codec decodes successful responses (default: columnar).
	Codec Codec

	// Gate bounds in-flight requests. Nil admits everything.
	Gate Gate

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client performs single page-fetch attempts. It never retries; wrap it in a
// RetryPolicy for that.
type Client struct {
	httpClient *http.Client
	url        string
	userAgent  string
	codec      Codec
	gate       Gate
	logger     zerolog.Logger
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"invalid api url %q", apiURL)
	}
	q := u.Query()
	if q.Get("synchronous") == "" {
		q.Set("synchronous", "true")
		u.RawQuery = q.Encode()
	}

	codec := cfg.Codec
	if codec == nil {
		codec = ColumnarCodec{}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-request deadlines come from the caller's context.
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		url:        u.String(),
		userAgent:  userAgent,
		codec:      codec,
		gate:       cfg.Gate,
		logger:     log.With().Str("component", "upstream-client").Logger(),
	}, nil
}

// URL returns the normalized endpoint URL.
func (c *Client) URL() string {
	return c.url
}

// FetchPage performs one POST of spec and decodes the response. Every
// failure is an *UpstreamError.
func (c *Client) FetchPage(ctx context.Context, spec query.Spec) (precatorio.RawPage, error) {
	if c.gate != nil {
		release, err := c.gate.Acquire(ctx)
		if err != nil {
			return precatorio.RawPage{}, &UpstreamError{Class: ErrorClassNetwork, Message: "admission", Err: err}
		}
		defer release()
	}

	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(spec.Body))
	if err != nil {
		return precatorio.RawPage{}, &UpstreamError{Class: ErrorClassProtocol, Message: "build request", Err: err}
	}
	req.Header = spec.Headers.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug().
		Str("request_id", req.Header.Get("RequestId")).
		Int("body_bytes", len(spec.Body)).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		return precatorio.RawPage{}, &UpstreamError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.gate != nil {
		c.gate.Observe(resp.StatusCode, resp.Header)
	}
	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return precatorio.RawPage{}, &UpstreamError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		}
	}

	if resp.StatusCode >= 400 || resp.StatusCode < 200 {
		class := classifyStatus(resp.StatusCode)
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		return precatorio.RawPage{}, &UpstreamError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    statusMessage(resp.Status, body),
		}
	}

	page, err := c.codec.Decode(body)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassProtocol)).Inc()
		c.logger.Warn().Err(err).Str("codec", c.codec.Name()).Msg("Upstream response rejected")
		if ue, ok := err.(*UpstreamError); ok {
			ue.StatusCode = resp.StatusCode
			return precatorio.RawPage{}, ue
		}
		return precatorio.RawPage{}, &UpstreamError{StatusCode: resp.StatusCode, Class: ErrorClassProtocol, Message: "decode", Err: err}
	}

	c.logger.Debug().
		Int("rows", page.Len()).
		Bool("has_cursor", !page.Cursor.IsEmpty()).
		Dur("duration", time.Since(startTime)).
		Msg("Upstream page received")

	return page, nil
}

func statusMessage(status string, body []byte) string {
	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		return status
	}
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	return fmt.Sprintf("%s: %s", status, snippet)
}
