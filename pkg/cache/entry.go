package cache

import (
	"time"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Entry is a cached page.
type Entry struct {
	// Page is the cached response. Callers must treat it as read-only.
	Page precatorio.RawPage `json:"page"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the page was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return e.isExpiredAt(time.Now())
}

func (e *Entry) isExpiredAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
