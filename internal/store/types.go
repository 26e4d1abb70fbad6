package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is a persisted workflow definition together with its owner and
// schedule state.
type Workflow struct {
	ID                 string                    `json:"id"`
	Name               string                    `json:"name"`
	Owner              schema.User               `json:"owner"`
	Definition         schema.WorkflowDefinition `json:"definition"`
	TriggerType        schema.TriggerType        `json:"trigger_type"`
	TriggerConfig      map[string]any            `json:"trigger_config,omitempty"`
	WebhookID          string                    `json:"webhook_id,omitempty"`
	ScheduleExpression string                    `json:"schedule_expression,omitempty"`
	Enabled            bool                      `json:"enabled"`
	NextRunAt          *time.Time                `json:"next_run_at,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

// NewWorkflow builds an enabled Workflow record from executor input.
func NewWorkflow(in *schema.WorkflowInput, owner schema.User) *Workflow {
	return &Workflow{
		ID:                 in.ID,
		Name:               in.Name,
		Owner:              owner,
		Definition:         in.Definition,
		TriggerType:        in.TriggerType,
		TriggerConfig:      in.TriggerConfig,
		WebhookID:          in.WebhookID,
		ScheduleExpression: in.ScheduleExpression,
		Enabled:            true,
	}
}

// Input converts the record back into executor input.
func (w *Workflow) Input() *schema.WorkflowInput {
	return &schema.WorkflowInput{
		ID:                 w.ID,
		Name:               w.Name,
		UserID:             w.Owner.ID,
		Definition:         w.Definition,
		TriggerType:        w.TriggerType,
		TriggerConfig:      w.TriggerConfig,
		WebhookID:          w.WebhookID,
		ScheduleExpression: w.ScheduleExpression,
	}
}

// Execution is one run of a workflow, possibly spanning several executor
// invocations when it suspends.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	Status          schema.ExecutionStatus `json:"status"`
	User            schema.User            `json:"user"`
	TriggerData     map[string]any         `json:"trigger_data,omitempty"`
	Error           *schema.FlowError      `json:"error,omitempty"`
	ResumeAt        *time.Time             `json:"resume_at,omitempty"`
	ResumePoint     *schema.ResumePoint    `json:"resume_point,omitempty"`
	CancelRequested bool                   `json:"cancel_requested"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ExecutionUpdate holds the fields to change on an execution. Nil fields are
// left untouched.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Error       *schema.FlowError
	ResumeAt    *time.Time
	ResumePoint *schema.ResumePoint
	CompletedAt *time.Time
	// ClearResume nulls resume_at and resume_point.
	ClearResume bool
}

// StepRecord is the persisted form of a StepResult.
type StepRecord struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Seq         int               `json:"seq"`
	Status      schema.StepStatus `json:"status"`
	Data        map[string]any    `json:"data,omitempty"`
	Error       *schema.FlowError `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// NewStepRecord converts an executor step result.
func NewStepRecord(executionID string, r *schema.StepResult) *StepRecord {
	return &StepRecord{
		ExecutionID: executionID,
		StepID:      r.StepID,
		Status:      r.Status,
		Data:        r.Data,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.Duration,
	}
}

// Result converts the record back into a StepResult.
func (s *StepRecord) Result() *schema.StepResult {
	return &schema.StepResult{
		StepID:      s.StepID,
		Status:      s.Status,
		Data:        s.Data,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Duration:    s.DurationMs,
	}
}

// Event types recorded in the execution event log.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionResumed   = "execution.resumed"
	EventExecutionWaiting   = "execution.waiting"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventStepStarted        = "step.started"
	EventStepCompleted      = "step.completed"
	EventStepFailed         = "step.failed"
	EventStepWaiting        = "step.waiting"
	EventStepSkipped        = "step.skipped"
)

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	StepID      string          `json:"step_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionEventType maps a terminal or suspended execution status to its
// event type.
func ExecutionEventType(status schema.ExecutionStatus) string {
	switch status {
	case schema.ExecutionRunning:
		return EventExecutionStarted
	case schema.ExecutionWaiting:
		return EventExecutionWaiting
	case schema.ExecutionCompleted:
		return EventExecutionCompleted
	case schema.ExecutionFailed:
		return EventExecutionFailed
	case schema.ExecutionCancelled:
		return EventExecutionCancelled
	default:
		return ""
	}
}

// StepEventType maps a step status to its event type.
func StepEventType(status schema.StepStatus) string {
	switch status {
	case schema.StepRunning:
		return EventStepStarted
	case schema.StepCompleted:
		return EventStepCompleted
	case schema.StepFailed:
		return EventStepFailed
	case schema.StepWaiting:
		return EventStepWaiting
	case schema.StepSkipped:
		return EventStepSkipped
	default:
		return ""
	}
}
