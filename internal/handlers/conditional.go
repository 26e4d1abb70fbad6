package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ConditionalType is the step type of ConditionalHandler.
const ConditionalType = schema.StepTypeConditional

const conditionalConfigSchema = `{
  "type": "object",
  "required": ["condition"],
  "properties": {
    "condition": {"type": "string", "minLength": 1},
    "true_steps": {"type": "array", "items": {"type": "string"}},
    "false_steps": {"type": "array", "items": {"type": "string"}},
    "language": {"type": "string", "enum": ["cel", "expr"], "default": "cel"}
  }
}`

const conditionalOutputSchema = `{
  "type": "object",
  "properties": {
    "conditionResult": {"type": "boolean"},
    "trueSteps": {"type": "array", "items": {"type": "string"}},
    "falseSteps": {"type": "array", "items": {"type": "string"}}
  }
}`

// ConditionalHandler evaluates a boolean condition and reports which branch
// the executor should take. It never runs branch steps itself.
type ConditionalHandler struct {
	engines   map[string]expressions.Engine
	validator ConfigValidator
	clock     Clock
}

// NewConditionalHandler creates a conditional handler. cel is the default
// language; a nil engine makes its language unavailable.
func NewConditionalHandler(cel *expressions.CELEngine, expr *expressions.ExprEngine, v ConfigValidator) *ConditionalHandler {
	engines := make(map[string]expressions.Engine, 2)
	if cel != nil {
		engines["cel"] = cel
	}
	if expr != nil {
		engines["expr"] = expr
	}
	return &ConditionalHandler{engines: engines, validator: v}
}

func (h *ConditionalHandler) Type() string { return ConditionalType }

func (h *ConditionalHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Evaluate a boolean condition and select the true or false branch.",
		ConfigSchema: json.RawMessage(conditionalConfigSchema),
		OutputSchema: json.RawMessage(conditionalOutputSchema),
	}
}

func (h *ConditionalHandler) Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, conditionalConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	condition := stringParam(config, "condition", "")
	if condition == "" {
		return r.invalid("conditional: missing required config 'condition'")
	}
	trueSteps, err := stringListParam(config, "true_steps")
	if err != nil {
		return r.invalid("conditional: %s", err)
	}
	falseSteps, err := stringListParam(config, "false_steps")
	if err != nil {
		return r.invalid("conditional: %s", err)
	}

	language := stringParam(config, "language", "cel")
	engine, ok := h.engines[language]
	if !ok {
		return r.invalid("conditional: unsupported language %q", language)
	}

	out, err := engine.Evaluate(ctx, condition, ec.Scope())
	if err != nil {
		return r.failed(evaluationError(condition, err), nil)
	}
	result, ok := out.(bool)
	if !ok {
		return r.failed(schema.NewErrorf(schema.ErrCodeEvaluation,
			"conditional: %q evaluated to %T, want bool", condition, out).
			WithDetails(map[string]any{"expression": condition, "result": fmt.Sprintf("%v", out)}), nil)
	}

	if trueSteps == nil {
		trueSteps = []string{}
	}
	if falseSteps == nil {
		falseSteps = []string{}
	}
	return r.completed(map[string]any{
		"conditionResult": result,
		"trueSteps":       trueSteps,
		"falseSteps":      falseSteps,
	})
}

func evaluationError(condition string, err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeEvaluation, "conditional: evaluate %q: %v", condition, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": condition})
}

// Branch is the executor's view of a completed conditional result.
type Branch struct {
	Result bool
	Chosen []string
	Other  []string
}

// BranchOf extracts the branch selection from a completed conditional result.
func BranchOf(r *schema.StepResult) (Branch, bool) {
	if r == nil || r.Status != schema.StepCompleted || r.Data == nil {
		return Branch{}, false
	}
	result, ok := r.Data["conditionResult"].(bool)
	if !ok {
		return Branch{}, false
	}
	trueSteps, _ := stringListParam(r.Data, "trueSteps")
	falseSteps, _ := stringListParam(r.Data, "falseSteps")
	if result {
		return Branch{Result: true, Chosen: trueSteps, Other: falseSteps}, true
	}
	return Branch{Result: false, Chosen: falseSteps, Other: trueSteps}, true
}
