package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransformType is the step type of TransformHandler.
const TransformType = "transform"

const transformConfigSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1}
  }
}`

// TransformHandler reshapes data with a jq expression evaluated over the
// execution scope ({user, workflow, trigger, steps, executionId}).
type TransformHandler struct {
	engine    *expressions.GoJQEngine
	validator ConfigValidator
	clock     Clock
}

// NewTransformHandler creates a transform handler.
func NewTransformHandler(engine *expressions.GoJQEngine, v ConfigValidator) *TransformHandler {
	return &TransformHandler{engine: engine, validator: v}
}

func (h *TransformHandler) Type() string { return TransformType }

func (h *TransformHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Reshape trigger data and earlier step outputs with a jq expression.",
		ConfigSchema: json.RawMessage(transformConfigSchema),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"result":{}}}`),
	}
}

func (h *TransformHandler) Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, transformConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	expression := stringParam(config, "expression", "")
	if expression == "" {
		return r.invalid("transform: missing required config 'expression'")
	}

	out, err := h.engine.Evaluate(ctx, expression, ec.Scope())
	if err != nil {
		return r.failed(evaluationError(expression, err), nil)
	}
	return r.completed(map[string]any{"result": out})
}
