package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithIDs(ctx, "exec-1", "wf-123")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
}

func TestCorrelationHandler_OmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-only"), "msg")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-only")
	assert.NotContains(t, out, "execution_id")
	assert.NotContains(t, out, "step_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	ctx := WithIDs(context.Background(), "exec-9", "wf-9")
	logger.InfoContext(WithStepID(ctx, "s1"), "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exec-9", rec["execution_id"])
	assert.Equal(t, "wf-9", rec["workflow_id"])
	assert.Equal(t, "s1", rec["step_id"])
	assert.Equal(t, "test", rec["component"])
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	logger.DebugContext(WithExecutionID(context.Background(), "e1"), "dbg")
	assert.Contains(t, buf.String(), `"execution_id":"e1"`)

	buf.Reset()
	logger, err = New(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	_, err = New(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}
