package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Runner is the execution surface exposed over MCP. Satisfied by *runner.Runner.
type Runner interface {
	Register(ctx context.Context, wf *schema.WorkflowInput, user schema.User) error
	Start(ctx context.Context, req runner.StartRequest) (*schema.ExecutionResult, error)
	Resume(ctx context.Context, executionID string) (*schema.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*runner.Status, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner  Runner
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	runner    Runner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner: deps.Runner,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs workflows made of typed steps. Use stepflow.register to store a workflow, stepflow.execute to run one, stepflow.status to inspect an execution, stepflow.resume to continue a waiting execution and stepflow.cancel to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: registerTool(), Handler: s.handleRegister},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("stepflow.execute",
		mcp.WithDescription("Run a workflow on behalf of a user and return the execution result"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow input: id, name, userId, triggerType, definition")),
		mcp.WithObject("user", mcp.Required(), mcp.Description("User the workflow runs for: id, email, name")),
		mcp.WithObject("trigger_data", mcp.Description("Payload exposed to templates as {{trigger.*}}")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a waiting execution from its resume point"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get an execution with its step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("include_events", mcp.Description("Include the execution event log")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a pending, waiting or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("stepflow.register",
		mcp.WithDescription("Validate and store a workflow so schedules and later runs can use it"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow input")),
		mcp.WithObject("user", mcp.Required(), mcp.Description("Workflow owner")),
	)
}
