package precatorio

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every fatal crawl error matches exactly one of these under
// errors.Is.
var (
	// ErrInvalidConfiguration is returned for bad builder or session input,
	// before any network call is made.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnknownEntity is returned when an identifier matches no entity.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUpstreamUnavailable is returned when a page fetch fails permanently
	// or exhausts its retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrPaginationLimitExceeded is returned when a crawl reaches the page
	// ceiling while the upstream still offers a continuation.
	ErrPaginationLimitExceeded = errors.New("pagination limit exceeded")

	// ErrPaginationCycleDetected marks a repeated continuation cursor. It is
	// reported as a warning, never returned from a crawl.
	ErrPaginationCycleDetected = errors.New("pagination cycle detected")

	// ErrValidation marks a rejected row. Rows are counted, never returned as
	// a crawl error.
	ErrValidation = errors.New("validation failure")
)

// Stage names the crawl step an error came from.
type Stage string

const (
	StageConfigure Stage = "configure"
	StageResolve   Stage = "resolve"
	StageQuery     Stage = "query"
	StageFetch     Stage = "fetch"
	StagePaginate  Stage = "paginate"
	StageNormalize Stage = "normalize"
)

// Error carries the structured context of a fatal crawl error.
type Error struct {
	Kind     error
	Entity   string
	Stage    Stage
	Attempts int
	Page     int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{e.Kind.Error()}
	if e.Entity != "" {
		parts = append(parts, fmt.Sprintf("entity=%q", e.Entity))
	}
	if e.Stage != "" {
		parts = append(parts, "stage="+string(e.Stage))
	}
	if e.Page > 0 {
		parts = append(parts, fmt.Sprintf("page=%d", e.Page))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	msg := strings.Join(parts, " ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind error, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind sentinel of err, or nil when err is not part of the
// taxonomy.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidConfiguration,
		ErrUnknownEntity,
		ErrUpstreamUnavailable,
		ErrPaginationLimitExceeded,
		ErrPaginationCycleDetected,
		ErrValidation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short label for err's kind, used in metrics and logs.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrInvalidConfiguration:
		return "invalid_configuration"
	case ErrUnknownEntity:
		return "unknown_entity"
	case ErrUpstreamUnavailable:
		return "upstream_unavailable"
	case ErrPaginationLimitExceeded:
		return "pagination_limit_exceeded"
	case ErrPaginationCycleDetected:
		return "pagination_cycle_detected"
	case ErrValidation:
		return "validation_failure"
	default:
		return "unknown"
	}
}
