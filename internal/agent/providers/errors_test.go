package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"server error", errors.New("503 Service Unavailable"), true},
		{"overloaded", errors.New("Overloaded"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"timeout", errors.New("request timeout"), true},
		{"auth", errors.New("401 Unauthorized: invalid x-api-key"), false},
		{"validation", errors.New("400 Bad Request: max_tokens too large"), false},
		{"context cancel", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetriesSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := withRetries(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("503 Service Unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetries() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetriesStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("401 Unauthorized")
	err := withRetries(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("withRetries() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry of a permanent error)", calls)
	}
}

func TestWithRetriesExhausts(t *testing.T) {
	calls := 0
	err := withRetries(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("502 Bad Gateway")
	})
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetriesHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetries(ctx, 3, time.Minute, func() error {
		return errors.New("503")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("withRetries() error = %v, want context.Canceled", err)
	}
}

func TestCallErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &CallError{Provider: "anthropic", Model: "claude", Err: inner}
	if !errors.Is(err, inner) {
		t.Errorf("CallError should unwrap to the inner error")
	}
	msg := err.Error()
	if msg == "" || msg == inner.Error() {
		t.Errorf("Error() = %q, want provider context included", msg)
	}
}
