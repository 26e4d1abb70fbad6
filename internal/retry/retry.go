// Package retry implements bounded retries with backoff for transient failures.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// IsRetryable classifies whether an error should be retried.
// Retryable: network errors, per-attempt timeouts, FlowErrors with a transient code
// and messages matching common transient transport failures.
// Non-retryable: context cancellation and everything else.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Deadline exceeded is retryable (attempt timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"no such host",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Outcome reports what a retried operation cost.
type Outcome struct {
	Attempts   int
	TotalDelay time.Duration
	Delays     []time.Duration
}

// DelaysMillis returns Delays as milliseconds, the unit surfaced in step data.
func (o Outcome) DelaysMillis() []int64 {
	out := make([]int64, len(o.Delays))
	for i, d := range o.Delays {
		out[i] = d.Milliseconds()
	}
	return out
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy's
// attempt budget is spent. The value and error of the last attempt are returned
// so callers can report on the final response. A nil retryable uses IsRetryable.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), retryable func(error) bool) (T, Outcome, error) {
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		out     Outcome
		val     T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		val, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return val, out, nil
		}
		if attempt == attempts || !retryable(lastErr) {
			break
		}

		delay := ComputeBackoff(p, attempt-1)
		if err := WaitForBackoff(ctx, delay); err != nil {
			return val, out, errors.Join(lastErr, err)
		}
		out.Delays = append(out.Delays, delay)
		out.TotalDelay += delay
	}
	return val, out, lastErr
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
