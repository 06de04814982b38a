// Package providers contains the concrete LLM provider adapters: thin
// translations from the engine's provider-neutral completion types to
// each vendor SDK's wire form, streamed back as CompletionChunks.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CallError wraps a provider API failure with the provider and model it
// came from, so a turn's error event can say which backend fell over.
type CallError struct {
	Provider string
	Model    string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// retryableFragments are error-text markers for failures worth retrying:
// rate limits, overloaded or broken servers, and transport drops. Auth
// and validation failures deliberately never match — retrying a bad API
// key just burns the backoff budget.
var retryableFragments = []string{
	"429", "rate limit", "too many requests",
	"500", "502", "503", "504",
	"overloaded", "internal server error",
	"timeout", "deadline exceeded",
	"connection reset", "connection refused", "broken pipe", "no such host",
	"eof",
}

// retryable reports whether err looks transient. Vendor SDKs surface
// status codes inconsistently (typed errors, wrapped errors, bare
// strings), so classification works on the rendered text.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// withRetries runs fn up to attempts times with exponential backoff,
// stopping early on a non-retryable error or context cancellation.
func withRetries(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}
