// Package runner is the caller side of the engine: it validates input,
// persists executions through the executor's hooks, and resumes or cancels
// them later.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor runs workflow steps. Satisfied by *engine.Executor.
type Executor interface {
	Execute(ctx context.Context, wf *schema.WorkflowInput, user schema.User, executionID string, hooks engine.Hooks, opts ...engine.Option) *schema.ExecutionResult
}

// InputValidator checks workflows and users before they are stored.
// Satisfied by *validation.WorkflowValidator.
type InputValidator interface {
	ValidateWorkflow(wf *schema.WorkflowInput) *schema.ValidationResult
	ValidateUser(user *schema.User) error
}

// Config holds optional collaborators.
type Config struct {
	Logger *slog.Logger
	Clock  func() time.Time
	NewID  func() string
}

// Runner starts, resumes and cancels persisted executions.
type Runner struct {
	store     store.Store
	executor  Executor
	validator InputValidator
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() string

	// startMu serializes the one-active-execution check with the insert.
	startMu sync.Mutex
}

// New creates a Runner.
func New(s store.Store, exec Executor, v InputValidator, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Runner{
		store:     s,
		executor:  exec,
		validator: v,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
	}
}

// StartRequest describes a new execution.
type StartRequest struct {
	Workflow    *schema.WorkflowInput `json:"workflow"`
	User        schema.User           `json:"user"`
	TriggerData map[string]any        `json:"triggerData,omitempty"`
}

// Status is the persisted view of one execution.
type Status struct {
	Execution *store.Execution    `json:"execution"`
	Steps     []*store.StepRecord `json:"steps"`
	Events    []*store.Event      `json:"events,omitempty"`
}

func (r *Runner) now() time.Time { return r.clock().UTC() }

// Register validates and stores a workflow without running it. Schedule
// workflows are picked up by the scheduler from here.
func (r *Runner) Register(ctx context.Context, wf *schema.WorkflowInput, user schema.User) error {
	if err := r.validate(wf, user); err != nil {
		return err
	}
	return r.store.SaveWorkflow(ctx, store.NewWorkflow(wf, user))
}

// Start validates and stores the workflow, creates an execution and runs it
// until it completes, fails, suspends or is cancelled.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*schema.ExecutionResult, error) {
	if err := r.validate(req.Workflow, req.User); err != nil {
		return nil, err
	}
	wf := req.Workflow

	exec, err := r.create(ctx, wf, req.User, req.TriggerData)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, wf.ID)

	if err := r.store.TransitionExecution(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
		r.abandon(ctx, exec.ID, err)
		return nil, err
	}
	r.appendEvent(ctx, exec.ID, store.EventExecutionStarted, "", map[string]any{"trigger_type": string(wf.TriggerType)})
	r.logger.InfoContext(ctx, "execution starting", "trigger_type", wf.TriggerType)

	result := r.executor.Execute(ctx, wf, req.User, exec.ID, r.hooks(exec.ID),
		engine.WithTriggerData(req.TriggerData))

	if err := r.persist(ctx, exec.ID, result); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Runner) validate(wf *schema.WorkflowInput, user schema.User) error {
	if err := r.validator.ValidateUser(&user); err != nil {
		return err
	}
	if err := r.validator.ValidateWorkflow(wf).ToError(); err != nil {
		return err
	}
	if wf.UserID != user.ID {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q belongs to user %q, not %q", wf.ID, wf.UserID, user.ID)
	}
	return nil
}

func (r *Runner) create(ctx context.Context, wf *schema.WorkflowInput, user schema.User, trigger map[string]any) (*store.Execution, error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if err := r.store.SaveWorkflow(ctx, store.NewWorkflow(wf, user)); err != nil {
		return nil, err
	}
	active, err := r.store.HasActiveExecution(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q already has an active execution", wf.ID).
			WithDetails(map[string]any{"workflow_id": wf.ID})
	}

	exec := &store.Execution{
		ID:          r.newID(),
		WorkflowID:  wf.ID,
		Status:      schema.ExecutionPending,
		User:        user,
		TriggerData: trigger,
		StartedAt:   r.now(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Resume continues a waiting execution after its suspension step. The
// returned result lists every step of the execution, earlier invocations
// included.
func (r *Runner) Resume(ctx context.Context, executionID string) (*schema.ExecutionResult, error) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := engine.ValidateTransition(exec.ID, exec.Status, schema.ExecutionRunning); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is %s and cannot be resumed", exec.ID, exec.Status).WithCause(err)
	}
	if exec.ResumePoint == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "execution %q has no resume point", exec.ID)
	}
	wf, err := r.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, wf.ID)

	if err := r.store.TransitionExecution(ctx, exec.ID, exec.Status, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	if err := r.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{ClearResume: true}); err != nil {
		return nil, err
	}

	records, err := r.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	prior := make([]*schema.StepResult, 0, len(records))
	for _, rec := range records {
		prior = append(prior, rec.Result())
	}

	r.appendEvent(ctx, exec.ID, store.EventExecutionResumed, exec.ResumePoint.StepID, map[string]any{"pending": exec.ResumePoint.Pending})
	r.logger.InfoContext(ctx, "execution resuming", "after_step", exec.ResumePoint.StepID, "prior_steps", len(prior))

	result := r.executor.Execute(ctx, wf.Input(), exec.User, exec.ID, r.hooks(exec.ID),
		engine.WithTriggerData(exec.TriggerData),
		engine.ResumeFrom(exec.ResumePoint, prior))

	perr := r.persist(ctx, exec.ID, result)

	result.Steps = append(prior, result.Steps...)
	result.StartedAt = exec.StartedAt
	if result.CompletedAt != nil {
		result.Duration = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	}
	return result, perr
}

// Cancel stops an execution. Pending and waiting executions are cancelled
// immediately; a running one is flagged and stops before its next step.
func (r *Runner) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID)

	switch exec.Status {
	case schema.ExecutionPending, schema.ExecutionWaiting:
		if err := r.store.TransitionExecution(ctx, exec.ID, exec.Status, schema.ExecutionCancelled); err != nil {
			return nil, err
		}
		now := r.now()
		if err := r.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{CompletedAt: &now, ClearResume: true}); err != nil {
			return nil, err
		}
		r.appendEvent(ctx, exec.ID, store.EventExecutionCancelled, "", nil)
		r.logger.InfoContext(ctx, "execution cancelled", "was", exec.Status)

	case schema.ExecutionRunning:
		if err := r.store.RequestCancel(ctx, exec.ID); err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "cancel requested")

	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q already finished with status %s", exec.ID, exec.Status)
	}
	return r.store.GetExecution(ctx, exec.ID)
}

// Status returns the execution with its recorded steps and events.
func (r *Runner) Status(ctx context.Context, executionID string) (*Status, error) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := r.store.ListEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return &Status{Execution: exec, Steps: steps, Events: events}, nil
}

// hooks persists step progress and reads the cancel flag between steps.
// Step writes ignore ctx cancellation so a step that ran is always recorded.
func (r *Runner) hooks(executionID string) engine.Hooks {
	return engine.Hooks{
		OnStepStart: func(ctx context.Context, stepID string) error {
			ctx = context.WithoutCancel(ctx)
			rec := &store.StepRecord{
				ExecutionID: executionID,
				StepID:      stepID,
				Status:      schema.StepRunning,
				StartedAt:   r.now(),
			}
			if err := r.store.UpsertStep(ctx, rec); err != nil {
				return err
			}
			r.appendEvent(ctx, executionID, store.EventStepStarted, stepID, nil)
			return nil
		},
		OnStepComplete: func(ctx context.Context, result *schema.StepResult) error {
			ctx = context.WithoutCancel(ctx)
			if err := r.store.UpsertStep(ctx, store.NewStepRecord(executionID, result)); err != nil {
				return err
			}
			var payload map[string]any
			if result.Error != nil {
				payload = map[string]any{"error": result.Error}
			}
			r.appendEvent(ctx, executionID, store.StepEventType(result.Status), result.StepID, payload)
			return nil
		},
		ShouldContinue: func(ctx context.Context) bool {
			exec, err := r.store.GetExecution(ctx, executionID)
			if err != nil {
				r.logger.WarnContext(ctx, "cancel check failed", "error", err)
				return true
			}
			return !exec.CancelRequested
		},
	}
}

// persist writes the terminal or suspended snapshot of an executor run.
// It runs detached from ctx cancellation so a cancelled run is still recorded.
func (r *Runner) persist(ctx context.Context, executionID string, result *schema.ExecutionResult) error {
	ctx = context.WithoutCancel(ctx)
	update := store.ExecutionUpdate{Status: &result.Status, Error: result.Error}
	if result.Status == schema.ExecutionWaiting {
		update.ResumeAt = result.ResumeAt
		update.ResumePoint = result.Resume
	} else {
		update.ClearResume = true
		update.CompletedAt = result.CompletedAt
	}
	if err := r.store.UpdateExecution(ctx, executionID, update); err != nil {
		r.logger.ErrorContext(ctx, "persist execution failed", "status", result.Status, "error", err)
		return err
	}

	var payload map[string]any
	switch {
	case result.Error != nil:
		payload = map[string]any{"error": result.Error}
	case result.ResumeAt != nil:
		payload = map[string]any{"resume_at": result.ResumeAt.Format(time.RFC3339Nano)}
	}
	r.appendEvent(ctx, executionID, store.ExecutionEventType(result.Status), "", payload)
	return nil
}

// abandon fails an execution that never left pending so it no longer counts
// as active for its workflow.
func (r *Runner) abandon(ctx context.Context, executionID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.TransitionExecution(ctx, executionID, schema.ExecutionPending, schema.ExecutionFailed); err != nil {
		r.logger.ErrorContext(ctx, "abandon pending execution failed", "error", err)
		return
	}
	ferr := schema.NewErrorf(schema.ErrCodeStore, "execution could not start: %v", cause).WithCause(cause)
	now := r.now()
	if err := r.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Error: ferr, CompletedAt: &now}); err != nil {
		r.logger.ErrorContext(ctx, "record abandoned execution failed", "error", err)
	}
	r.appendEvent(ctx, executionID, store.EventExecutionFailed, "", map[string]any{"error": ferr})
}

// appendEvent records an event; failures are logged, never fatal.
func (r *Runner) appendEvent(ctx context.Context, executionID, eventType, stepID string, payload map[string]any) {
	if eventType == "" {
		return
	}
	ev := &store.Event{ExecutionID: executionID, Type: eventType, StepID: stepID, Timestamp: r.now()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.logger.WarnContext(ctx, "marshal event payload", "type", eventType, "error", err)
		} else {
			ev.Payload = b
		}
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "append event failed", "type", eventType, "error", err)
	}
}
