package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/pipeflow/pkg/schema"
)

// maxBackoffShift bounds the exponential multiplier to avoid overflow.
const maxBackoffShift = 30

// IsRetryableError reports whether a command retry policy may re-run after err.
// Only process failures qualify; timeouts and cancellation never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pErr *schema.PipelineError
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports none, constant, linear and exponential backoff with an optional
// max_delay_ms cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelayMs <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	base := time.Duration(policy.DelayMs) * time.Millisecond

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base << min(attempt, maxBackoffShift)
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // none, constant
		delay = base
	}

	if policy.MaxDelayMs > 0 {
		if maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond; delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
