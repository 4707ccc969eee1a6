package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retrying wraps a [Provider] with exponential-backoff retries. Timeouts and
// 5xx-style failures from remote backends are usually transient; validation
// failures are not, but distinguishing them is the backend's job, so every
// error is retried up to the attempt budget.
type Retrying struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
}

var _ Provider = (*Retrying)(nil)

// NewRetrying wraps inner. maxAttempts < 1 is clamped to 1; baseDelay <= 0
// defaults to one second and doubles per attempt.
func NewRetrying(inner Provider, maxAttempts int, baseDelay time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Retrying{inner: inner, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Complete delegates to the wrapped provider, retrying failed calls with
// exponential backoff. Context cancellation aborts immediately.
func (r *Retrying) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == r.maxAttempts {
			break
		}

		slog.Warn("llm completion failed, retrying",
			"attempt", attempt, "max_attempts", r.maxAttempts, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("llm: %d attempts exhausted: %w", r.maxAttempts, lastErr)
}
