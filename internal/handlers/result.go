package handlers

import (
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// run tracks one handler invocation and builds its StepResult.
type run struct {
	clock  Clock
	result *schema.StepResult
}

func begin(step *schema.Step, clock Clock) *run {
	return &run{
		clock:  clock,
		result: &schema.StepResult{StepID: step.ID, StartedAt: clock.now()},
	}
}

func (r *run) finish(status schema.StepStatus, data map[string]any, err *schema.FlowError) *schema.StepResult {
	r.result.Status = status
	r.result.Data = data
	if err != nil {
		r.result.Error = err.WithStep(r.result.StepID)
	}
	r.result.Finish(r.clock.now())
	return r.result
}

func (r *run) completed(data map[string]any) *schema.StepResult {
	return r.finish(schema.StepCompleted, data, nil)
}

func (r *run) waiting(data map[string]any) *schema.StepResult {
	return r.finish(schema.StepWaiting, data, nil)
}

func (r *run) failed(err *schema.FlowError, data map[string]any) *schema.StepResult {
	return r.finish(schema.StepFailed, data, err)
}

func (r *run) invalid(format string, args ...any) *schema.StepResult {
	return r.failed(schema.NewErrorf(schema.ErrCodeConfigValidation, format, args...), nil)
}

// prepare resolves every template in the step config and validates the
// result against the handler's config schema.
func prepare(step *schema.Step, ec *schema.ExecutionContext, v ConfigValidator, configSchema string) (map[string]any, *schema.FlowError) {
	config := expressions.ResolveConfig(step.Config, ec)
	if v == nil {
		return config, nil
	}
	if err := v.ValidateConfig(config, []byte(configSchema)); err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe
		}
		return nil, schema.NewError(schema.ErrCodeConfigValidation, err.Error()).WithCause(err)
	}
	return config, nil
}
