package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// TracerName is the instrumentation scope of executor spans.
const TracerName = "github.com/rendis/stepflow/internal/engine"

// HandlerSource resolves a step type to its handler.
type HandlerSource interface {
	Get(stepType string) (handlers.Handler, error)
}

// Hooks are the caller's persistence and cancellation points. All are optional.
type Hooks struct {
	// OnStepStart runs before a step's handler is looked up.
	OnStepStart func(ctx context.Context, stepID string) error
	// OnStepComplete runs after every recorded step result, skipped ones included.
	OnStepComplete func(ctx context.Context, result *schema.StepResult) error
	// ShouldContinue is polled before each step; false cancels the run.
	ShouldContinue func(ctx context.Context) bool
}

// Config holds the executor's ambient dependencies.
type Config struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Clock  func() time.Time
}

// Executor runs workflow steps sequentially. It holds no per-run state and is
// safe for concurrent use.
type Executor struct {
	handlers HandlerSource
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time
}

// NewExecutor creates an Executor over the given handlers.
func NewExecutor(hs HandlerSource, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(TracerName)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Executor{handlers: hs, logger: cfg.Logger, tracer: cfg.Tracer, clock: cfg.Clock}
}

// Option customizes a single Execute call.
type Option func(*runOptions)

type runOptions struct {
	triggerData map[string]any
	resume      *schema.ResumePoint
	prior       []*schema.StepResult
}

// WithTriggerData sets the payload exposed as trigger.data.
func WithTriggerData(data map[string]any) Option {
	return func(o *runOptions) { o.triggerData = data }
}

// ResumeFrom continues a waiting execution. prior are the step results
// recorded before suspension, in execution order.
func ResumeFrom(point *schema.ResumePoint, prior []*schema.StepResult) Option {
	return func(o *runOptions) {
		o.resume = point
		o.prior = prior
	}
}

// run is the mutable state of one Execute call.
type run struct {
	*Executor
	wf     *schema.WorkflowInput
	hooks  Hooks
	ec     *schema.ExecutionContext
	fsm    *ExecutionFSM
	result *schema.ExecutionResult
	log    *slog.Logger
	span   trace.Span
}

// Execute runs the workflow from its trigger step, or from a resume point,
// until it completes, fails, suspends or is cancelled. Problems are reported
// in the returned result, never as a Go error or panic.
func (e *Executor) Execute(ctx context.Context, wf *schema.WorkflowInput, user schema.User, executionID string, hooks Hooks, opts ...Option) *schema.ExecutionResult {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	initial := schema.ExecutionPending
	if o.resume != nil {
		initial = schema.ExecutionWaiting
	}

	r := &run{
		Executor: e,
		wf:       wf,
		hooks:    hooks,
		fsm:      NewExecutionFSM(executionID, initial),
		result: &schema.ExecutionResult{
			ExecutionID: executionID,
			Status:      initial,
			Steps:       []*schema.StepResult{},
			StartedAt:   e.now(),
		},
	}

	workflowID := ""
	if wf != nil {
		workflowID = wf.ID
	}
	ctx = logging.WithIDs(ctx, executionID, workflowID)
	ctx, r.span = e.tracer.Start(ctx, "stepflow.execute", trace.WithAttributes(
		attribute.String("stepflow.execution.id", executionID),
		attribute.String("stepflow.workflow.id", workflowID),
		attribute.Bool("stepflow.resumed", o.resume != nil),
	))
	defer r.span.End()
	r.log = e.logger
	r.fsm.OnAfter(func(from, to schema.ExecutionStatus) {
		r.span.AddEvent("stepflow.execution.transition", trace.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	})

	if err := r.fsm.Transition(schema.ExecutionRunning); err != nil {
		return r.fail(ctx, asFlowError(err))
	}
	if wf == nil {
		return r.fail(ctx, schema.NewError(schema.ErrCodeValidation, "workflow is nil"))
	}

	wfRef := schema.WorkflowRef{ID: wf.ID, Name: wf.Name}
	r.ec = schema.NewExecutionContext(user, wfRef, executionID, o.triggerData)
	for _, prior := range o.prior {
		r.ec.SetResult(prior)
	}

	queue, ferr := r.plan(o.resume)
	if ferr != nil {
		return r.fail(ctx, ferr)
	}
	r.log.InfoContext(ctx, "execution started", "steps", len(queue), "resumed", o.resume != nil)
	return r.loop(ctx, queue)
}

func (e *Executor) now() time.Time { return e.clock().UTC() }

// plan returns the steps to run in order.
func (r *run) plan(point *schema.ResumePoint) ([]*schema.Step, *schema.FlowError) {
	def := &r.wf.Definition
	ordered := make([]*schema.Step, 0, len(def.Steps))
	for i := range def.Steps {
		ordered = append(ordered, &def.Steps[i])
	}
	slices.SortStableFunc(ordered, func(a, b *schema.Step) int { return a.Position - b.Position })

	if point == nil {
		trigger := def.TriggerStep()
		if trigger == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger step %q not found", def.TriggerStepID)
		}
		return after(ordered, trigger.Position), nil
	}

	if point.Pending == nil {
		var queue []*schema.Step
		for _, s := range after(ordered, point.Position) {
			if !r.ec.Has(s.ID) {
				queue = append(queue, s)
			}
		}
		return queue, nil
	}

	queue := make([]*schema.Step, 0, len(point.Pending))
	for _, id := range point.Pending {
		s := def.StepByID(id)
		if s == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "resume point references unknown step %q", id).
				WithDetails(map[string]any{"resume_step": point.StepID})
		}
		queue = append(queue, s)
	}
	return queue, nil
}

func after(ordered []*schema.Step, position int) []*schema.Step {
	var out []*schema.Step
	for _, s := range ordered {
		if s.Position > position {
			out = append(out, s)
		}
	}
	return out
}

func (r *run) loop(ctx context.Context, queue []*schema.Step) *schema.ExecutionResult {
	for len(queue) > 0 {
		if ctx.Err() != nil || (r.hooks.ShouldContinue != nil && !r.hooks.ShouldContinue(ctx)) {
			return r.cancel(ctx, queue[0].ID)
		}

		step := queue[0]
		queue = queue[1:]

		sr, ferr := r.runStep(ctx, step)
		if ferr != nil {
			return r.fail(ctx, ferr)
		}

		switch sr.Status {
		case schema.StepCompleted:
			if step.Type != handlers.ConditionalType {
				continue
			}
			branch, ok := handlers.BranchOf(sr)
			if !ok {
				continue
			}
			if ferr := r.skip(ctx, branch); ferr != nil {
				return r.fail(ctx, ferr)
			}
			queue = restrict(queue, branch.Chosen, r.ec)
			r.log.DebugContext(ctx, "branch selected",
				"conditional", step.ID, "result", branch.Result, "chosen", branch.Chosen)

		case schema.StepWaiting:
			return r.suspend(ctx, step, sr, queue)

		case schema.StepFailed:
			ferr := sr.Error
			if ferr == nil {
				ferr = schema.NewError(schema.ErrCodeValidation, "step failed without an error").WithStep(step.ID)
			}
			return r.fail(ctx, ferr)

		default:
			return r.fail(ctx, schema.NewErrorf(schema.ErrCodeValidation,
				"handler %q returned unexpected status %q", step.Type, sr.Status).WithStep(step.ID))
		}
	}
	return r.finish(ctx, schema.ExecutionCompleted)
}

// runStep executes one step and records its result. A non-nil FlowError
// means a hook failed and the run must stop.
func (r *run) runStep(ctx context.Context, step *schema.Step) (*schema.StepResult, *schema.FlowError) {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := r.tracer.Start(ctx, "stepflow.step", trace.WithAttributes(
		attribute.String("stepflow.step.id", step.ID),
		attribute.String("stepflow.step.type", step.Type),
		attribute.Int("stepflow.step.position", step.Position),
	))
	defer span.End()

	if r.hooks.OnStepStart != nil {
		if err := r.hooks.OnStepStart(ctx, step.ID); err != nil {
			ferr := hookError("OnStepStart", step.ID, err)
			setSpanError(span, ferr)
			return nil, ferr
		}
	}
	r.log.DebugContext(ctx, "step started", "type", step.Type)

	var sr *schema.StepResult
	h, err := r.handlers.Get(step.Type)
	if err != nil {
		now := r.now()
		sr = &schema.StepResult{StepID: step.ID, Status: schema.StepFailed, StartedAt: now}
		sr.Error = asFlowError(err).WithStep(step.ID)
		sr.Finish(now)
	} else {
		sr = h.Execute(ctx, step, r.ec)
		if sr == nil {
			now := r.now()
			sr = &schema.StepResult{
				Status:    schema.StepFailed,
				StartedAt: now,
				Error:     schema.NewErrorf(schema.ErrCodeValidation, "handler %q returned no result", step.Type).WithStep(step.ID),
			}
			sr.Finish(now)
		}
	}
	sr.StepID = step.ID

	span.SetAttributes(attribute.String("stepflow.step.status", string(sr.Status)))
	if sr.Error != nil {
		setSpanError(span, sr.Error)
	}

	if ferr := r.record(ctx, sr); ferr != nil {
		setSpanError(span, ferr)
		return sr, ferr
	}

	r.log.DebugContext(ctx, "step finished", "status", sr.Status, "duration_ms", sr.Duration)
	return sr, nil
}

// record stores the result in the context and the execution, then notifies
// the caller.
func (r *run) record(ctx context.Context, sr *schema.StepResult) *schema.FlowError {
	r.ec.SetResult(sr)
	r.result.Steps = append(r.result.Steps, sr)
	if r.hooks.OnStepComplete != nil {
		if err := r.hooks.OnStepComplete(ctx, sr); err != nil {
			return hookError("OnStepComplete", sr.StepID, err)
		}
	}
	return nil
}

// skip records a skipped result for every unchosen branch step, in branch
// order. Ids that are also in the chosen branch or already ran are left alone.
func (r *run) skip(ctx context.Context, b handlers.Branch) *schema.FlowError {
	for _, id := range b.Other {
		if slices.Contains(b.Chosen, id) || r.ec.Has(id) {
			continue
		}
		now := r.now()
		sr := &schema.StepResult{StepID: id, Status: schema.StepSkipped, StartedAt: now}
		sr.Finish(now)
		if ferr := r.record(logging.WithStepID(ctx, id), sr); ferr != nil {
			return ferr
		}
	}
	return nil
}

// restrict keeps the queued steps named in chosen that have not run yet.
func restrict(queue []*schema.Step, chosen []string, ec *schema.ExecutionContext) []*schema.Step {
	out := make([]*schema.Step, 0, len(chosen))
	for _, s := range queue {
		if slices.Contains(chosen, s.ID) && !ec.Has(s.ID) {
			out = append(out, s)
		}
	}
	return out
}

func (r *run) suspend(ctx context.Context, step *schema.Step, sr *schema.StepResult, queue []*schema.Step) *schema.ExecutionResult {
	pending := make([]string, 0, len(queue))
	for _, s := range queue {
		pending = append(pending, s.ID)
	}
	r.result.Resume = &schema.ResumePoint{StepID: step.ID, Position: step.Position, Pending: pending}
	if at, ok := handlers.ResumeAt(sr); ok {
		at = at.UTC()
		r.result.ResumeAt = &at
		r.span.SetAttributes(attribute.String("stepflow.resume_at", at.Format(time.RFC3339Nano)))
	}
	r.log.InfoContext(ctx, "execution suspended", "at_step", step.ID, "resume_at", r.result.ResumeAt, "pending", len(pending))
	return r.finish(ctx, schema.ExecutionWaiting)
}

func (r *run) cancel(ctx context.Context, nextStepID string) *schema.ExecutionResult {
	r.log.InfoContext(ctx, "execution cancelled", "next_step_id", nextStepID, "ctx_err", ctx.Err())
	return r.finish(ctx, schema.ExecutionCancelled)
}

func (r *run) fail(ctx context.Context, ferr *schema.FlowError) *schema.ExecutionResult {
	r.result.Error = ferr
	setSpanError(r.span, ferr)
	r.log.WarnContext(ctx, "execution failed", "code", ferr.Code, "failed_step", ferr.StepID, "error", ferr.Message)
	return r.finish(ctx, schema.ExecutionFailed)
}

func (r *run) finish(ctx context.Context, status schema.ExecutionStatus) *schema.ExecutionResult {
	if err := r.fsm.Transition(status); err != nil {
		r.log.ErrorContext(ctx, "illegal execution transition", "error", err)
	}
	now := r.now()
	r.result.Status = status
	r.result.CompletedAt = &now
	r.result.Duration = now.Sub(r.result.StartedAt).Milliseconds()
	r.span.SetAttributes(attribute.String("stepflow.execution.status", string(status)))
	if status == schema.ExecutionCompleted {
		r.log.InfoContext(ctx, "execution completed", "steps", len(r.result.Steps), "duration_ms", r.result.Duration)
	}
	return r.result
}
