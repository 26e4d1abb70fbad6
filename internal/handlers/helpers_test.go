package handlers

import (
	"testing"
	"time"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/require"
)

func testValidator(t *testing.T) ConfigValidator {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func testContext(trigger map[string]any) *schema.ExecutionContext {
	return schema.NewExecutionContext(
		schema.User{ID: "u1", Email: "ada@example.com", Name: "Ada"},
		schema.WorkflowRef{ID: "wf1", Name: "Orders"},
		"exec-1",
		trigger,
	)
}

func testStep(id, stepType string, config map[string]any) *schema.Step {
	return &schema.Step{ID: id, Type: stepType, Position: 1, Config: config}
}

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

func requireFailed(t *testing.T, r *schema.StepResult, code string) {
	t.Helper()
	require.Equal(t, schema.StepFailed, r.Status)
	require.NotNil(t, r.Error)
	require.Equal(t, code, r.Error.Code, r.Error.Message)
	require.Equal(t, r.StepID, r.Error.StepID)
	require.NotNil(t, r.CompletedAt)
}
