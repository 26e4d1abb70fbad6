package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleExecute runs a workflow synchronously until it completes, fails,
// is cancelled or suspends on a delay.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var wf schema.WorkflowInput
	if err := decodeArg(req, "workflow", &wf); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var user schema.User
	if err := decodeArg(req, "user", &user); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trigger := mcp.ParseStringMap(req, "trigger_data", nil)

	result, err := s.runner.Start(ctx, runner.StartRequest{
		Workflow:    &wf,
		User:        user,
		TriggerData: trigger,
	})
	if err != nil {
		return toolError("execute failed", err), nil
	}

	s.logger.Info("execution finished via mcp",
		slog.String("execution_id", result.ExecutionID),
		slog.String("status", string(result.Status)),
	)
	return marshalResult(result)
}

// handleResume continues a waiting execution.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	result, err := s.runner.Resume(ctx, executionID)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	return marshalResult(result)
}

// handleStatus returns the execution row and its steps.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, err := s.runner.Status(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if !req.GetBool("include_events", false) {
		status.Events = nil
	}
	return marshalResult(status)
}

// handleCancel cancels an execution. Running executions stop before their next step.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.runner.Cancel(ctx, executionID)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":               true,
		"execution_id":     exec.ID,
		"status":           exec.Status,
		"cancel_requested": exec.CancelRequested,
	})
}

// handleRegister validates and stores a workflow without running it.
func (s *Server) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var wf schema.WorkflowInput
	if err := decodeArg(req, "workflow", &wf); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var user schema.User
	if err := decodeArg(req, "user", &user); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.runner.Register(ctx, &wf, user); err != nil {
		return toolError("register failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"workflow_id":  wf.ID,
		"trigger_type": wf.TriggerType,
	})
}

// --- Helpers ---

// decodeArg re-decodes an object argument into a typed struct.
func decodeArg(req mcp.CallToolRequest, key string, target any) error {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return fmt.Errorf("%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	return nil
}

// toolError renders an error as a tool error result, keeping the FlowError
// code and details visible to the client.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	data, mErr := json.Marshal(map[string]any{"error": fe})
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
