package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable_Nil(t *testing.T) {
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable_Context(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(fmt.Errorf("do: %w", context.DeadlineExceeded)))
}

func TestIsRetryable_FlowError(t *testing.T) {
	assert.True(t, IsRetryable(schema.NewError(schema.ErrCodeTransientNetwork, "reset")))

	for _, code := range []string{
		schema.ErrCodeConfigValidation,
		schema.ErrCodeHTTPStatus,
		schema.ErrCodeEvaluation,
		schema.ErrCodeDelivery,
	} {
		assert.False(t, IsRetryable(schema.NewError(code, "x")), code)
	}
}

func TestIsRetryable_NetError(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_Patterns(t *testing.T) {
	for _, msg := range []string{"connection refused", "connection reset by peer", "unexpected EOF", "i/o timeout"} {
		assert.True(t, IsRetryable(errors.New(msg)), msg)
	}
	assert.False(t, IsRetryable(errors.New("invalid payload")))
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, out, err := Do(context.Background(), Single(), func(context.Context, int) (string, error) {
		calls++
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, out.TotalDelay)
	assert.Empty(t, out.Delays)
}

func TestDo_ExhaustsBudgetWithIncreasingDelays(t *testing.T) {
	p := Policy{Attempts: 3, Backoff: BackoffExponential, Delay: time.Millisecond}
	transient := schema.NewError(schema.ErrCodeTransientNetwork, "down")

	var seen []int
	v, out, err := Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		seen = append(seen, attempt)
		return attempt, transient
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, v, "last attempt value returned")
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, out.Delays)
	assert.Equal(t, 3*time.Millisecond, out.TotalDelay)
	assert.Equal(t, []int64{1, 2}, out.DelaysMillis())
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	p := Policy{Attempts: 5, Delay: time.Millisecond}
	calls := 0
	_, out, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errors.New("bad request")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
}

func TestDo_CustomClassifier(t *testing.T) {
	p := Policy{Attempts: 2, Backoff: BackoffConstant, Delay: time.Millisecond}
	calls := 0
	_, out, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		if calls == 2 {
			return 7, nil
		}
		return 0, errors.New("status 503")
	}, func(error) bool { return true })

	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 3, Backoff: BackoffConstant, Delay: time.Hour}

	_, out, err := Do(ctx, p, func(context.Context, int) (int, error) {
		cancel()
		return 0, schema.NewError(schema.ErrCodeTransientNetwork, "down")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Delays)
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"exponential 0", Policy{Backoff: BackoffExponential, Delay: base}, 0, base},
		{"exponential 1", Policy{Backoff: BackoffExponential, Delay: base}, 1, 2 * base},
		{"exponential 3", Policy{Backoff: BackoffExponential, Delay: base}, 3, 8 * base},
		{"exponential capped", Policy{Backoff: BackoffExponential, Delay: base, MaxDelay: 300 * time.Millisecond}, 3, 300 * time.Millisecond},
		{"exponential large attempt capped", Policy{Backoff: BackoffExponential, Delay: base, MaxDelay: time.Second}, 200, time.Second},
		{"linear 0", Policy{Backoff: BackoffLinear, Delay: base}, 0, base},
		{"linear 2", Policy{Backoff: BackoffLinear, Delay: base}, 2, 3 * base},
		{"constant", Policy{Backoff: BackoffConstant, Delay: base}, 5, base},
		{"empty strategy is exponential", Policy{Delay: base}, 2, 4 * base},
		{"zero delay", Policy{Backoff: BackoffExponential}, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, Single(), p)

	p, err = ParsePolicy(map[string]any{
		"attempts":  3.0,
		"backoff":   "linear",
		"delay":     "250ms",
		"max_delay": 2000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, Policy{Attempts: 3, Backoff: BackoffLinear, Delay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}, p)

	p, err = ParsePolicy(map[string]any{"attempts": "4"})
	require.NoError(t, err)
	assert.Equal(t, 4, p.Attempts)
	assert.Equal(t, BackoffExponential, p.Backoff)
	assert.Equal(t, DefaultDelay, p.Delay)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"not object", "3"},
		{"zero attempts", map[string]any{"attempts": 0.0}},
		{"too many attempts", map[string]any{"attempts": 50.0}},
		{"fractional attempts", map[string]any{"attempts": 2.5}},
		{"unknown backoff", map[string]any{"backoff": "fibonacci"}},
		{"bad delay", map[string]any{"delay": "soon"}},
		{"negative max delay", map[string]any{"max_delay": "-1s"}},
		{"bool delay", map[string]any{"delay": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy(tt.raw)
			require.Error(t, err)
			var fe *schema.FlowError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, schema.ErrCodeConfigValidation, fe.Code)
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
