package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListScheduledWorkflows(ctx context.Context) ([]*Workflow, error)
	UpdateWorkflowNextRun(ctx context.Context, id string, next *time.Time) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) error
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error)
	HasActiveExecution(ctx context.Context, workflowID string) (bool, error)
	RequestCancel(ctx context.Context, id string) error

	// Steps (materialized per execution)
	UpsertStep(ctx context.Context, rec *StepRecord) error
	ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
