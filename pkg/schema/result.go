package schema

import "time"

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepID      string         `json:"stepId"`
	Status      StepStatus     `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       *FlowError     `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Duration    int64          `json:"duration,omitempty"` // milliseconds
}

// Finish stamps CompletedAt and Duration relative to StartedAt.
func (r *StepResult) Finish(at time.Time) {
	r.CompletedAt = &at
	r.Duration = at.Sub(r.StartedAt).Milliseconds()
}

// ExecutionResult is the terminal snapshot of one executor invocation.
// The caller persists it; Resume and ResumeAt are only set when Status is waiting.
type ExecutionResult struct {
	ExecutionID string          `json:"executionId"`
	Status      ExecutionStatus `json:"status"`
	Steps       []*StepResult   `json:"steps"`
	Error       *FlowError      `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Duration    int64           `json:"duration,omitempty"` // milliseconds
	ResumeAt    *time.Time      `json:"resumeAt,omitempty"`
	Resume      *ResumePoint    `json:"resume,omitempty"`
}

// ResumePoint is the continuation token of a suspended execution.
// Pending lists, in execution order, the step IDs still to run; a nil
// Pending means "every step positioned after Position".
type ResumePoint struct {
	StepID   string   `json:"stepId"`
	Position int      `json:"position"`
	Pending  []string `json:"pending"`
}
