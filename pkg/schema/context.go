package schema

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ExecutionContext is the per-run state handlers read from.
// It is owned by a single executor invocation; step results are kept in
// insertion order and may only be written through SetResult.
type ExecutionContext struct {
	User        User
	Workflow    WorkflowRef
	ExecutionID string
	TriggerData map[string]any

	stepResults *orderedmap.OrderedMap[string, *StepResult]
}

// NewExecutionContext creates an empty context for one run.
func NewExecutionContext(user User, wf WorkflowRef, executionID string, triggerData map[string]any) *ExecutionContext {
	return &ExecutionContext{
		User:        user,
		Workflow:    wf,
		ExecutionID: executionID,
		TriggerData: triggerData,
		stepResults: orderedmap.New[string, *StepResult](),
	}
}

// SetResult records a step result. A step executed twice keeps its original
// insertion slot and the newer value.
func (c *ExecutionContext) SetResult(r *StepResult) {
	if r == nil {
		return
	}
	c.stepResults.Set(r.StepID, r)
}

// Result returns the recorded result for a step.
func (c *ExecutionContext) Result(stepID string) (*StepResult, bool) {
	return c.stepResults.Get(stepID)
}

// Has reports whether a result exists for the step.
func (c *ExecutionContext) Has(stepID string) bool {
	_, ok := c.stepResults.Get(stepID)
	return ok
}

// Results returns the recorded results in insertion order.
// The slice is fresh; the results themselves are shared.
func (c *ExecutionContext) Results() []*StepResult {
	out := make([]*StepResult, 0, c.stepResults.Len())
	for pair := c.stepResults.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// StepData returns {stepID: {"data": ..., "status": ...}} for every recorded step.
// This is the "steps" namespace of templates and conditions.
func (c *ExecutionContext) StepData() map[string]any {
	out := make(map[string]any, c.stepResults.Len())
	for pair := c.stepResults.Oldest(); pair != nil; pair = pair.Next() {
		data := pair.Value.Data
		if data == nil {
			data = map[string]any{}
		}
		out[pair.Key] = map[string]any{
			"data":   data,
			"status": string(pair.Value.Status),
		}
	}
	return out
}

// UserData returns the "user" namespace. name is optional and absent when
// unset.
func (c *ExecutionContext) UserData() map[string]any {
	out := map[string]any{
		"id":    c.User.ID,
		"email": c.User.Email,
	}
	if c.User.Name != "" {
		out["name"] = c.User.Name
	}
	return out
}

// WorkflowData returns the "workflow" namespace.
func (c *ExecutionContext) WorkflowData() map[string]any {
	return map[string]any{
		"id":   c.Workflow.ID,
		"name": c.Workflow.Name,
	}
}

// TriggerScope returns the "trigger" namespace, {"data": TriggerData}.
func (c *ExecutionContext) TriggerScope() map[string]any {
	data := c.TriggerData
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{"data": data}
}

// Scope returns the full layered namespace used by condition and transform
// expressions.
func (c *ExecutionContext) Scope() map[string]any {
	return map[string]any{
		"user":        c.UserData(),
		"workflow":    c.WorkflowData(),
		"trigger":     c.TriggerScope(),
		"steps":       c.StepData(),
		"executionId": c.ExecutionID,
	}
}
