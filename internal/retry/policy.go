package retry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

const (
	// MaxAttempts bounds a single step's retry budget.
	MaxAttempts = 10
	// DefaultDelay is the base delay when the config omits one.
	DefaultDelay = time.Second
)

// Policy describes how many times to try and how long to wait between tries.
type Policy struct {
	Attempts int
	Backoff  string
	Delay    time.Duration
	MaxDelay time.Duration
}

// Single is the policy used when a step carries no retry config.
func Single() Policy {
	return Policy{Attempts: 1, Backoff: BackoffExponential, Delay: DefaultDelay}
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// exponential: base * 2^attempt, linear: base * (attempt+1), constant: base.
// MaxDelay caps the result when set.
func ComputeBackoff(p Policy, attempt int) time.Duration {
	base := p.Delay
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	case BackoffConstant:
		delay = base
	default:
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				break
			}
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ParsePolicy reads a step's "retry" config block:
//
//	{"attempts": 3, "backoff": "exponential", "delay": "1s", "max_delay": "30s"}
//
// delay and max_delay accept Go duration strings or a number of milliseconds.
// A nil block yields Single().
func ParsePolicy(raw any) (Policy, error) {
	p := Single()
	if raw == nil {
		return p, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return p, configError("retry must be an object")
	}

	if v, ok := m["attempts"]; ok {
		n, err := toInt(v)
		if err != nil {
			return p, configError("retry.attempts: %s", err)
		}
		if n < 1 || n > MaxAttempts {
			return p, configError("retry.attempts must be between 1 and %d, got %d", MaxAttempts, n)
		}
		p.Attempts = n
	}

	if v, ok := m["backoff"]; ok {
		s, _ := v.(string)
		switch s {
		case BackoffExponential, BackoffLinear, BackoffConstant:
			p.Backoff = s
		default:
			return p, configError("retry.backoff must be exponential, linear or constant, got %v", v)
		}
	}

	if v, ok := m["delay"]; ok {
		d, err := toDuration(v)
		if err != nil {
			return p, configError("retry.delay: %s", err)
		}
		p.Delay = d
	}

	if v, ok := m["max_delay"]; ok {
		d, err := toDuration(v)
		if err != nil {
			return p, configError("retry.max_delay: %s", err)
		}
		p.MaxDelay = d
	}

	return p, nil
}

func configError(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConfigValidation, format, args...)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("must be a whole number, got %v", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("must be a number, got %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("must be a number, got %T", v)
	}
}

func toDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", x)
		}
		d = parsed
	case float64:
		d = time.Duration(x * float64(time.Millisecond))
	case int:
		d = time.Duration(x) * time.Millisecond
	case int64:
		d = time.Duration(x) * time.Millisecond
	default:
		return 0, fmt.Errorf("must be a duration string or milliseconds, got %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
