// Package ratelimit bounds the number of in-flight upstream requests across
// every crawl of a process and pauses admission while the upstream signals a
// rate limit.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults for gate configuration.
const (
	// DefaultMaxConcurrency is the number of upstream requests allowed in
	// flight at once.
	DefaultMaxConcurrency = 4

	// DefaultCooldown applies when a rate limit response has no usable
	// Retry-After header.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps any Retry-After value.
	MaxCooldown = 2 * time.Minute
)

// State is a snapshot of the gate.
type State struct {
	// Capacity is the maximum number of in-flight requests.
	Capacity int `json:"capacity"`

	// InFlight is the number of admitted requests not yet released.
	InFlight int `json:"in_flight"`

	// CooldownUntil is when admission resumes after a rate limit response.
	CooldownUntil time.Time `json:"cooldown_until"`

	// RateLimited counts rate limit responses observed.
	RateLimited int64 `json:"rate_limited"`
}

// InCooldown returns true if admission is paused at now.
func (s State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// Saturated returns true if every slot is taken.
func (s State) Saturated() bool {
	return s.InFlight >= s.Capacity
}

// isRateLimit reports whether status is a rate limit response.
func isRateLimit(status int) bool {
	return status == http.StatusTooManyRequests || status == 520
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns false when the header is absent or unusable.
func ParseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
