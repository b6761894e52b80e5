// Package logging configures the zerolog logger shared by the crawler, the
// CLI and the HTTP server.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel names a minimum severity. It is read from the log_level setting
// and the --log-level flag, so parsing is case-insensitive.
type LogLevel string

// Levels accepted by Setup. Unknown names fall back to LevelInfo.
const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelDisabled LogLevel = "disabled"
)

// consoleTimeFormat is the timestamp layout of Pretty output.
const consoleTimeFormat = "15:04:05"

// Config selects the level, encoding and destination of log events.
type Config struct {
	Level LogLevel

	// Pretty switches from one JSON object per line to the colored
	// console format.
	Pretty bool

	// Output defaults to os.Stderr so stdout stays free for crawl output.
	Output io.Writer

	// Service, when set, is attached to every event.
	Service string
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup installs the process-wide logger and level and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	zctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		zctx = zctx.Str("service", cfg.Service)
	}
	log.Logger = zctx.Logger()
	return log.Logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithEntity returns a child logger tagged with the entity slug of a crawl.
func WithEntity(logger zerolog.Logger, slug string) zerolog.Logger {
	return logger.With().Str("entity", slug).Logger()
}

// Log Level Guidelines:
//
// Debug: page-level detail
//   - Cache lookups (source, key, TTL)
//   - Cursor progression and page sizes
//   - Admission waits
//
// Info: crawl lifecycle
//   - Crawl start and completion with counters
//   - Entity table loaded
//   - Server startup/shutdown
//
// Warn: degraded but continuing
//   - Retry attempts
//   - Rate limit cooldowns
//   - Redis tier errors (memory tier keeps serving)
//   - Rejected rows and cursor cycles
//
// Error: crawl failures
//   - Upstream unavailable after retries
//   - Pagination limit exceeded
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - entity: entity slug
//   - page: 1-based page index within a crawl
//   - attempt: retry attempt number
//   - source: cache source (memory, redis, shared, upstream)
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, network, protocol
