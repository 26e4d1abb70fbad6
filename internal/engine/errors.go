package engine

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/pkg/schema"
)

// asFlowError returns err as a FlowError, wrapping foreign errors.
func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
}

func hookError(hook, stepID string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeHookFailed, "%s: %v", hook, err).
		WithStep(stepID).
		WithCause(err).
		WithDetails(map[string]any{"hook": hook})
}

func setSpanError(span trace.Span, ferr *schema.FlowError) {
	span.RecordError(ferr)
	span.SetStatus(codes.Error, ferr.Message)
	span.AddEvent("error_occurred", trace.WithAttributes(
		attribute.String("stepflow.error.code", ferr.Code),
		attribute.String("stepflow.step.id", ferr.StepID),
	))
}
