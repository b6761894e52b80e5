package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than rate limits.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 and 520 rate limit responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassProtocol represents requests that could not be built and
	// responses that could not be decoded.
	ErrorClassProtocol ErrorClass = "protocol"
)

// Outcome is the retry decision for a failure, made once by Classify.
type Outcome string

const (
	// Transient failures are retried with backoff.
	Transient Outcome = "transient"

	// Permanent failures are returned after a single attempt.
	Permanent Outcome = "permanent"
)

// UpstreamError describes one failed attempt against the report API.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP error status to its class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429 || status == 520:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassProtocol
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// ClassOf returns the error class of err, for metrics and logs.
func ClassOf(err error) ErrorClass {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	return ErrorClassProtocol
}

// Classify decides whether a failure is worth retrying. Cancellation is
// permanent; timeouts, network errors, 5xx and rate limits are transient;
// everything else is permanent.
func Classify(err error) Outcome {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if shouldRetry(ClassOf(err)) {
		return Transient
	}
	return Permanent
}
