package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"absent", "", 0, false},
		{"seconds", "30", 30 * time.Second, true},
		{"zero", "0", 0, true},
		{"negative", "-5", 0, false},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"past date", now.Add(-time.Hour).Format(http.TimeFormat), 0, true},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			got, ok := ParseRetryAfter(h, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, %v, want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestState(t *testing.T) {
	now := time.Now()
	s := State{Capacity: 2, InFlight: 2, CooldownUntil: now.Add(time.Second)}

	if !s.Saturated() {
		t.Error("Saturated() = false, want true")
	}
	if !s.InCooldown(now) {
		t.Error("InCooldown() = false, want true")
	}
	if s.InCooldown(now.Add(2 * time.Second)) {
		t.Error("InCooldown() after expiry = true, want false")
	}
}

func TestGate_BoundsConcurrency(t *testing.T) {
	gate := NewGate(Config{MaxConcurrency: 2}, zerolog.Nop())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gate.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			defer release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak.Load())
	}
	if s := gate.State(); s.InFlight != 0 {
		t.Errorf("InFlight after release = %d, want 0", s.InFlight)
	}
}

func TestGate_ReleaseIdempotent(t *testing.T) {
	gate := NewGate(Config{MaxConcurrency: 1}, zerolog.Nop())

	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
	release()

	if s := gate.State(); s.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", s.InFlight)
	}
	release2, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	release2()
}

func TestGate_AcquireCancelled(t *testing.T) {
	gate := NewGate(Config{MaxConcurrency: 1}, zerolog.Nop())

	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := gate.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() on a full gate error = %v, want deadline exceeded", err)
	}
}

func TestGate_Cooldown(t *testing.T) {
	gate := NewGate(Config{MaxConcurrency: 4, DefaultCooldown: 50 * time.Millisecond}, zerolog.Nop())

	gate.Observe(http.StatusOK, http.Header{})
	if s := gate.State(); s.RateLimited != 0 {
		t.Errorf("RateLimited after 200 = %d, want 0", s.RateLimited)
	}

	gate.Observe(http.StatusTooManyRequests, http.Header{})
	s := gate.State()
	if s.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", s.RateLimited)
	}
	if !s.InCooldown(time.Now()) {
		t.Fatal("gate should be in cooldown after a 429")
	}

	start := time.Now()
	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("Acquire() returned after %v, want to wait out the cooldown", waited)
	}
}

func TestGate_CooldownCancelled(t *testing.T) {
	gate := NewGate(Config{MaxConcurrency: 1}, zerolog.Nop())
	h := http.Header{}
	h.Set("Retry-After", "60")
	gate.Observe(520, h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := gate.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() during cooldown error = %v, want deadline exceeded", err)
	}
}
