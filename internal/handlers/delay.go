package handlers

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// DelayType is the step type of DelayHandler.
const DelayType = "delay"

// MaxDelay is the longest suspension a single delay step may request.
const MaxDelay = 30 * 24 * time.Hour

var delayUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

const delayConfigSchema = `{
  "type": "object",
  "required": ["duration", "unit"],
  "properties": {
    "duration": {"type": ["number", "string"]},
    "unit": {"type": "string", "enum": ["seconds", "minutes", "hours", "days"]}
  }
}`

const delayOutputSchema = `{
  "type": "object",
  "properties": {
    "resumeAt": {"type": "string", "format": "date-time"},
    "delayMs": {"type": "integer"},
    "duration": {"type": "number"},
    "unit": {"type": "string"}
  }
}`

// DelayHandler suspends a run. It never sleeps: it computes when the run
// should continue and returns a waiting result carrying data.resumeAt.
type DelayHandler struct {
	validator ConfigValidator
	clock     Clock
}

// NewDelayHandler creates a delay handler. A nil clock uses time.Now.
func NewDelayHandler(v ConfigValidator, clock Clock) *DelayHandler {
	return &DelayHandler{validator: v, clock: clock}
}

func (h *DelayHandler) Type() string { return DelayType }

func (h *DelayHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Suspend the execution for a duration; a scheduler resumes it after resumeAt.",
		ConfigSchema: json.RawMessage(delayConfigSchema),
		OutputSchema: json.RawMessage(delayOutputSchema),
	}
}

func (h *DelayHandler) Execute(_ context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, delayConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	duration, ok := floatParam(config, "duration")
	if !ok || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return r.invalid("delay: duration must be a number")
	}
	if duration <= 0 {
		return r.invalid("delay: duration must be positive, got %v", duration)
	}

	unitName := stringParam(config, "unit", "")
	unit, ok := delayUnits[unitName]
	if !ok {
		return r.invalid("delay: unknown unit %q", unitName)
	}

	if duration > float64(MaxDelay/unit) {
		return r.invalid("delay: %v %s exceeds the maximum delay of 30 days", duration, unitName)
	}
	delay := time.Duration(duration * float64(unit))
	if delay > MaxDelay {
		return r.invalid("delay: %v %s exceeds the maximum delay of 30 days", duration, unitName)
	}

	resumeAt := r.result.StartedAt.Add(delay)
	return r.waiting(map[string]any{
		"resumeAt": resumeAt.Format(time.RFC3339Nano),
		"delayMs":  delay.Milliseconds(),
		"duration": duration,
		"unit":     unitName,
	})
}

// ResumeAt extracts data.resumeAt from a waiting delay result.
func ResumeAt(r *schema.StepResult) (time.Time, bool) {
	if r == nil || r.Data == nil {
		return time.Time{}, false
	}
	switch v := r.Data["resumeAt"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}
