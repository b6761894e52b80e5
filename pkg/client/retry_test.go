package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxJitter:      time.Millisecond,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", config.MaxBackoff)
	}
}

func TestRetryPolicy_Execute(t *testing.T) {
	serverErr := &UpstreamError{StatusCode: 500, Class: ErrorClassServer, Message: "boom"}
	clientErr := &UpstreamError{StatusCode: 400, Class: ErrorClassClient, Message: "bad"}

	tests := []struct {
		name         string
		failures     []error
		maxAttempts  int
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "success on first attempt",
			maxAttempts:  3,
			wantAttempts: 1,
		},
		{
			name:         "success after transient failures",
			failures:     []error{serverErr, serverErr},
			maxAttempts:  3,
			wantAttempts: 3,
		},
		{
			name:         "exhausted",
			failures:     []error{serverErr, serverErr, serverErr, serverErr},
			maxAttempts:  3,
			wantErr:      true,
			wantAttempts: 3,
		},
		{
			name:         "permanent failure not retried",
			failures:     []error{clientErr},
			maxAttempts:  3,
			wantErr:      true,
			wantAttempts: 1,
		},
		{
			name:         "zero attempts means one",
			failures:     []error{serverErr},
			maxAttempts:  0,
			wantErr:      true,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewRetryPolicy(fastRetryConfig(tt.maxAttempts))
			calls := 0
			op := func(ctx context.Context) (precatorio.RawPage, error) {
				calls++
				if calls <= len(tt.failures) {
					return precatorio.RawPage{}, tt.failures[calls-1]
				}
				return precatorio.RawPage{Columns: []string{"a"}}, nil
			}

			page, attempts, err := policy.Execute(context.Background(), op)

			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if calls != tt.wantAttempts {
				t.Errorf("operation called %d times, want %d", calls, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if len(page.Columns) != 1 {
					t.Errorf("page not returned on success")
				}
				return
			}

			if !errors.Is(err, precatorio.ErrUpstreamUnavailable) {
				t.Errorf("error should be ErrUpstreamUnavailable, got %v", err)
			}
			var perr *precatorio.Error
			if !errors.As(err, &perr) || perr.Attempts != tt.wantAttempts {
				t.Errorf("error should carry attempt count %d, got %+v", tt.wantAttempts, perr)
			}
			if !errors.Is(err, tt.failures[len(tt.failures)-1]) && !errors.Is(err, tt.failures[0]) {
				t.Errorf("error should carry the last cause, got %v", err)
			}
		})
	}
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, attempts, err := policy.Execute(ctx, func(ctx context.Context) (precatorio.RawPage, error) {
		return precatorio.RawPage{}, &UpstreamError{StatusCode: 503, Class: ErrorClassServer}
	})

	if time.Since(start) > 5*time.Second {
		t.Error("Execute should stop waiting when the context ends")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, precatorio.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should carry the context error, got %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
	})

	delays := make([]time.Duration, 0, 4)
	last := time.Now()
	calls := 0
	_, _, _ = policy.Execute(context.Background(), func(ctx context.Context) (precatorio.RawPage, error) {
		now := time.Now()
		if calls > 0 {
			delays = append(delays, now.Sub(last))
		}
		last = now
		calls++
		return precatorio.RawPage{}, &UpstreamError{StatusCode: 502, Class: ErrorClassServer}
	})

	if len(delays) != 4 {
		t.Fatalf("got %d delays, want 4", len(delays))
	}
	// 100ms, 200ms, then capped at 300ms.
	wantMin := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, d := range delays {
		if d < wantMin[i] {
			t.Errorf("delay %d = %v, want >= %v", i, d, wantMin[i])
		}
		if d > wantMin[i]+250*time.Millisecond {
			t.Errorf("delay %d = %v, want about %v", i, d, wantMin[i])
		}
	}
}
