package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Mock Runner ---

type mockRunner struct {
	registered []*schema.WorkflowInput
	started    []runner.StartRequest
	resumed    []string
	cancelled  []string

	result    *schema.ExecutionResult
	status    *runner.Status
	execution *store.Execution
	err       error
}

func (m *mockRunner) Register(_ context.Context, wf *schema.WorkflowInput, _ schema.User) error {
	m.registered = append(m.registered, wf)
	return m.err
}

func (m *mockRunner) Start(_ context.Context, req runner.StartRequest) (*schema.ExecutionResult, error) {
	m.started = append(m.started, req)
	return m.result, m.err
}

func (m *mockRunner) Resume(_ context.Context, id string) (*schema.ExecutionResult, error) {
	m.resumed = append(m.resumed, id)
	return m.result, m.err
}

func (m *mockRunner) Cancel(_ context.Context, id string) (*store.Execution, error) {
	m.cancelled = append(m.cancelled, id)
	return m.execution, m.err
}

func (m *mockRunner) Status(_ context.Context, _ string) (*runner.Status, error) {
	return m.status, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func workflowArg() map[string]any {
	return map[string]any{
		"id":          "wf-1",
		"name":        "welcome",
		"userId":      "u1",
		"triggerType": "manual",
		"definition": map[string]any{
			"triggerStepId": "t",
			"steps": []any{
				map[string]any{"id": "t", "type": "manual", "position": 0},
				map[string]any{"id": "wait", "type": "delay", "position": 1,
					"config": map[string]any{"duration": 2, "unit": "hours"}},
			},
		},
	}
}

func userArg() map[string]any {
	return map[string]any{"id": "u1", "email": "ada@example.com", "name": "Ada"}
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	resumeAt := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	mr := &mockRunner{result: &schema.ExecutionResult{
		ExecutionID: "exec-1",
		Status:      schema.ExecutionWaiting,
		ResumeAt:    &resumeAt,
	}}
	s := NewServer(ServerDeps{Runner: mr})

	req := buildRequest("stepflow.execute", map[string]any{
		"workflow":     workflowArg(),
		"user":         userArg(),
		"trigger_data": map[string]any{"orderId": "ord-9"},
	})
	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, mr.started, 1)
	started := mr.started[0]
	assert.Equal(t, "wf-1", started.Workflow.ID)
	assert.Equal(t, schema.TriggerManual, started.Workflow.TriggerType)
	require.Len(t, started.Workflow.Definition.Steps, 2)
	assert.Equal(t, "hours", started.Workflow.Definition.Steps[1].Config["unit"])
	assert.Equal(t, "ada@example.com", started.User.Email)
	assert.Equal(t, "ord-9", started.TriggerData["orderId"])

	var got schema.ExecutionResult
	unmarshalResult(t, result, &got)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, schema.ExecutionWaiting, got.Status)
	require.NotNil(t, got.ResumeAt)
	assert.True(t, resumeAt.Equal(*got.ResumeAt))
}

func TestExecuteToolMissingArguments(t *testing.T) {
	mr := &mockRunner{}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleExecute(context.Background(), buildRequest("stepflow.execute", map[string]any{
		"user": userArg(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow is required")

	result, err = s.handleExecute(context.Background(), buildRequest("stepflow.execute", map[string]any{
		"workflow": workflowArg(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "user is required")

	assert.Empty(t, mr.started)
}

func TestExecuteToolMalformedWorkflow(t *testing.T) {
	mr := &mockRunner{}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleExecute(context.Background(), buildRequest("stepflow.execute", map[string]any{
		"workflow": map[string]any{"id": "wf-1", "definition": "not an object"},
		"user":     userArg(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "invalid workflow")
	assert.Empty(t, mr.started)
}

func TestExecuteToolRunnerError(t *testing.T) {
	mr := &mockRunner{err: schema.NewError(schema.ErrCodeConflict, "workflow already has an active execution").
		WithDetails(map[string]any{"workflow_id": "wf-1"})}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleExecute(context.Background(), buildRequest("stepflow.execute", map[string]any{
		"workflow": workflowArg(),
		"user":     userArg(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "execute failed")
	assert.Contains(t, text, `"code":"CONFLICT"`)
	assert.Contains(t, text, `"workflow_id":"wf-1"`)
}

func TestResumeTool(t *testing.T) {
	mr := &mockRunner{result: &schema.ExecutionResult{ExecutionID: "exec-1", Status: schema.ExecutionCompleted}}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleResume(context.Background(), buildRequest("stepflow.resume", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, mr.resumed)

	var got schema.ExecutionResult
	unmarshalResult(t, result, &got)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
}

func TestResumeToolMissingID(t *testing.T) {
	s := NewServer(ServerDeps{Runner: &mockRunner{}})

	result, err := s.handleResume(context.Background(), buildRequest("stepflow.resume", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResumeToolNotFound(t *testing.T) {
	mr := &mockRunner{err: schema.NewError(schema.ErrCodeNotFound, "execution not found")}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleResume(context.Background(), buildRequest("stepflow.resume", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestStatusTool(t *testing.T) {
	newStatus := func() *runner.Status {
		return &runner.Status{
			Execution: &store.Execution{ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionWaiting},
			Steps: []*store.StepRecord{
				{ExecutionID: "exec-1", StepID: "wait", Seq: 1, Status: schema.StepWaiting},
			},
			Events: []*store.Event{
				{ExecutionID: "exec-1", Sequence: 1, Type: store.EventExecutionStarted},
			},
		}
	}

	t.Run("without events", func(t *testing.T) {
		s := NewServer(ServerDeps{Runner: &mockRunner{status: newStatus()}})

		result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
			"execution_id": "exec-1",
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var got runner.Status
		unmarshalResult(t, result, &got)
		assert.Equal(t, "exec-1", got.Execution.ID)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "wait", got.Steps[0].StepID)
		assert.Empty(t, got.Events)
	})

	t.Run("with events", func(t *testing.T) {
		s := NewServer(ServerDeps{Runner: &mockRunner{status: newStatus()}})

		result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
			"execution_id":   "exec-1",
			"include_events": true,
		}))
		require.NoError(t, err)

		var got runner.Status
		unmarshalResult(t, result, &got)
		require.Len(t, got.Events, 1)
		assert.Equal(t, store.EventExecutionStarted, got.Events[0].Type)
	})
}

func TestCancelTool(t *testing.T) {
	mr := &mockRunner{execution: &store.Execution{ID: "exec-1", Status: schema.ExecutionCancelled}}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleCancel(context.Background(), buildRequest("stepflow.cancel", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, mr.cancelled)

	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "cancelled", got["status"])
	assert.Equal(t, false, got["cancel_requested"])
}

func TestCancelToolConflict(t *testing.T) {
	mr := &mockRunner{err: schema.NewError(schema.ErrCodeConflict, "execution already finished")}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleCancel(context.Background(), buildRequest("stepflow.cancel", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONFLICT")
}

func TestRegisterTool(t *testing.T) {
	mr := &mockRunner{}
	s := NewServer(ServerDeps{Runner: mr})

	wf := workflowArg()
	wf["triggerType"] = "schedule"
	wf["scheduleExpression"] = "0 9 * * 1"

	result, err := s.handleRegister(context.Background(), buildRequest("stepflow.register", map[string]any{
		"workflow": wf,
		"user":     userArg(),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, mr.registered, 1)
	assert.Equal(t, "0 9 * * 1", mr.registered[0].ScheduleExpression)

	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, "wf-1", got["workflow_id"])
	assert.Equal(t, "schedule", got["trigger_type"])
}

func TestRegisterToolValidationError(t *testing.T) {
	mr := &mockRunner{err: schema.NewError(schema.ErrCodeValidation, "workflow validation failed")}
	s := NewServer(ServerDeps{Runner: mr})

	result, err := s.handleRegister(context.Background(), buildRequest("stepflow.register", map[string]any{
		"workflow": workflowArg(),
		"user":     userArg(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "VALIDATION")
}
