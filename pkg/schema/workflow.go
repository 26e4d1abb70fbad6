package schema

// WorkflowInput is everything the executor needs to know about a workflow.
// It is produced outside the engine (instruction parser, API) and handed in as is.
type WorkflowInput struct {
	ID                 string             `json:"id" validate:"required"`
	Name               string             `json:"name" validate:"required"`
	UserID             string             `json:"userId" validate:"required"`
	Definition         WorkflowDefinition `json:"definition"`
	TriggerType        TriggerType        `json:"triggerType" validate:"required,oneof=webhook schedule manual"`
	TriggerConfig      map[string]any     `json:"triggerConfig,omitempty"`
	WebhookID          string             `json:"webhookId,omitempty"`
	ScheduleExpression string             `json:"scheduleExpression,omitempty" validate:"required_if=TriggerType schedule"`
}

// TriggerType enumerates how a workflow run gets started.
type TriggerType string

const (
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// StepTypeConditional is the step type whose config names branch step ids.
const StepTypeConditional = "conditional"

// WorkflowDefinition is the JSON-serializable step list of a workflow.
type WorkflowDefinition struct {
	Steps         []Step `json:"steps"`
	TriggerStepID string `json:"triggerStepId"`
}

// Step describes a single unit of work. Steps are immutable once a run starts.
type Step struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Position    int            `json:"position"`
}

// Step lookup helpers.

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// TriggerStep returns the step referenced by TriggerStepID, or nil.
func (d *WorkflowDefinition) TriggerStep() *Step {
	if d.TriggerStepID == "" {
		return nil
	}
	return d.StepByID(d.TriggerStepID)
}

// User identifies the account a workflow runs on behalf of.
type User struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty"`
}

// WorkflowRef is the workflow identity visible to templates and conditions.
type WorkflowRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
