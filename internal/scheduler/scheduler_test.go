package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

var t0 = time.Date(2026, 7, 1, 8, 30, 0, 0, time.UTC)

type fakeRunner struct {
	mu        sync.Mutex
	starts    []runner.StartRequest
	resumes   []string
	startErr  error
	resumeErr error
}

func (f *fakeRunner) Start(_ context.Context, req runner.StartRequest) (*schema.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &schema.ExecutionResult{ExecutionID: "run", Status: schema.ExecutionCompleted}, nil
}

func (f *fakeRunner) Resume(_ context.Context, id string) (*schema.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, id)
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	return &schema.ExecutionResult{ExecutionID: id, Status: schema.ExecutionCompleted}, nil
}

func (f *fakeRunner) startCalls() []runner.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.StartRequest(nil), f.starts...)
}

func (f *fakeRunner) resumeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumes...)
}

type fixture struct {
	store  *store.SQLStore
	runner *fakeRunner
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLStore(store.DriverSQLite, filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	r := &fakeRunner{}
	sched := New(s, r, Config{
		Interval: time.Hour,
		Clock:    func() time.Time { return t0 },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{store: s, runner: r, sched: sched}
}

func owner() schema.User {
	return schema.User{ID: "u1", Email: "ada@example.com", Name: "Ada"}
}

func (f *fixture) scheduled(t *testing.T, id string, next *time.Time) *store.Workflow {
	t.Helper()
	wf := store.NewWorkflow(&schema.WorkflowInput{
		ID:                 id,
		Name:               "hourly report",
		UserID:             "u1",
		TriggerType:        schema.TriggerSchedule,
		ScheduleExpression: "0 * * * *",
		Definition: schema.WorkflowDefinition{
			TriggerStepID: "t",
			Steps: []schema.Step{
				{ID: "t", Type: "schedule", Position: 0},
				{ID: "shape", Type: "transform", Position: 1, Config: map[string]any{"expression": ".trigger"}},
			},
		},
	}, owner())
	ctx := context.Background()
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))
	if next != nil {
		require.NoError(t, f.store.UpdateWorkflowNextRun(ctx, id, next))
	}
	return wf
}

func (f *fixture) waiting(t *testing.T, workflowID, id string, resumeAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateExecution(ctx, &store.Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     schema.ExecutionWaiting,
		User:       owner(),
	}))
	require.NoError(t, f.store.UpdateExecution(ctx, id, store.ExecutionUpdate{
		ResumeAt:    &resumeAt,
		ResumePoint: &schema.ResumePoint{StepID: "wait", Position: 1, Pending: []string{}},
	}))
}

func (f *fixture) nextRun(t *testing.T, id string) *time.Time {
	t.Helper()
	wf, err := f.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return wf.NextRunAt
}

func at(hour, minute int) *time.Time {
	v := time.Date(2026, 7, 1, hour, minute, 0, 0, time.UTC)
	return &v
}

// --- CalculateNextRun ---

func TestCalculateNextRun(t *testing.T) {
	f := newFixture(t)

	next, err := f.sched.CalculateNextRun("0 * * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, *at(9, 0), next)

	next, err = f.sched.CalculateNextRun("*/5 * * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, *at(8, 35), next)
}

func TestCalculateNextRun_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.CalculateNextRun("every tuesday", t0)
	assert.Error(t, err)

	// Seconds field is not accepted.
	_, err = f.sched.CalculateNextRun("0 0 * * * *", t0)
	assert.Error(t, err)
}

// --- Schedules ---

func TestTick_InitializesNextRunWithoutFiring(t *testing.T) {
	f := newFixture(t)
	f.scheduled(t, "wf-new", nil)

	f.sched.tick(context.Background())

	assert.Empty(t, f.runner.startCalls())
	next := f.nextRun(t, "wf-new")
	require.NotNil(t, next)
	assert.Equal(t, *at(9, 0), *next)
}

func TestTick_FiresDueSchedule(t *testing.T) {
	f := newFixture(t)
	f.scheduled(t, "wf-due", at(8, 0))

	f.sched.tick(context.Background())

	starts := f.runner.startCalls()
	require.Len(t, starts, 1)
	assert.Equal(t, "wf-due", starts[0].Workflow.ID)
	assert.Equal(t, owner(), starts[0].User)
	assert.Equal(t, at(8, 0).Format(time.RFC3339Nano), starts[0].TriggerData["scheduledFor"])
	assert.Equal(t, t0.Format(time.RFC3339Nano), starts[0].TriggerData["firedAt"])
	assert.Equal(t, "0 * * * *", starts[0].TriggerData["schedule"])

	assert.Equal(t, *at(9, 0), *f.nextRun(t, "wf-due"))

	// Cursor moved, so a second tick at the same instant does nothing.
	f.sched.tick(context.Background())
	assert.Len(t, f.runner.startCalls(), 1)
}

func TestTick_SkipsFutureSchedule(t *testing.T) {
	f := newFixture(t)
	f.scheduled(t, "wf-later", at(9, 0))

	f.sched.tick(context.Background())

	assert.Empty(t, f.runner.startCalls())
	assert.Equal(t, *at(9, 0), *f.nextRun(t, "wf-later"))
}

func TestTick_DisabledScheduleIgnored(t *testing.T) {
	f := newFixture(t)
	wf := f.scheduled(t, "wf-off", at(8, 0))
	wf.Enabled = false
	require.NoError(t, f.store.SaveWorkflow(context.Background(), wf))

	f.sched.tick(context.Background())

	assert.Empty(t, f.runner.startCalls())
}

func TestTick_ActiveExecutionConflictStillAdvances(t *testing.T) {
	f := newFixture(t)
	f.scheduled(t, "wf-busy", at(8, 0))
	f.runner.startErr = schema.NewError(schema.ErrCodeConflict, "workflow already has an active execution")

	f.sched.tick(context.Background())

	assert.Len(t, f.runner.startCalls(), 1)
	assert.Equal(t, *at(9, 0), *f.nextRun(t, "wf-busy"))
}

// --- Due executions ---

func TestTick_ResumesDueExecutions(t *testing.T) {
	f := newFixture(t)
	wf := f.scheduled(t, "wf", at(10, 0))
	f.waiting(t, wf.ID, "exec-due", *at(8, 0))
	f.waiting(t, wf.ID, "exec-exact", t0)
	f.waiting(t, wf.ID, "exec-later", *at(9, 0))

	f.sched.tick(context.Background())

	assert.Equal(t, []string{"exec-due", "exec-exact"}, f.runner.resumeCalls())
}

func TestTick_ResumeConflictTolerated(t *testing.T) {
	f := newFixture(t)
	wf := f.scheduled(t, "wf", at(10, 0))
	f.waiting(t, wf.ID, "exec-a", *at(8, 0))
	f.waiting(t, wf.ID, "exec-b", *at(8, 1))
	f.runner.resumeErr = schema.NewError(schema.ErrCodeConflict, "execution is not waiting")

	assert.Equal(t, 0, f.sched.resumeDue(context.Background(), t0))
	assert.Equal(t, []string{"exec-a", "exec-b"}, f.runner.resumeCalls())
}

func TestResumeDue_BatchSize(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.BatchSize = 1
	wf := f.scheduled(t, "wf", at(10, 0))
	f.waiting(t, wf.ID, "exec-a", *at(8, 0))
	f.waiting(t, wf.ID, "exec-b", *at(8, 1))

	assert.Equal(t, 1, f.sched.resumeDue(context.Background(), t0))
	assert.Equal(t, []string{"exec-a"}, f.runner.resumeCalls())
}

func TestResumeDue_InflightSkipped(t *testing.T) {
	f := newFixture(t)
	wf := f.scheduled(t, "wf", at(10, 0))
	f.waiting(t, wf.ID, "exec-a", *at(8, 0))

	require.True(t, f.sched.tryAcquire("exec:exec-a"))
	f.sched.resumeDue(context.Background(), t0)
	assert.Empty(t, f.runner.resumeCalls())

	f.sched.release("exec:exec-a")
	f.sched.resumeDue(context.Background(), t0)
	assert.Equal(t, []string{"exec-a"}, f.runner.resumeCalls())
}

// --- Recovery ---

func TestRecoverMissed(t *testing.T) {
	f := newFixture(t)
	f.scheduled(t, "wf-missed", at(6, 0))
	f.scheduled(t, "wf-fresh", nil)
	f.waiting(t, "wf-missed", "exec-overdue", *at(7, 0))

	require.NoError(t, f.sched.RecoverMissed(context.Background()))

	starts := f.runner.startCalls()
	require.Len(t, starts, 1, "missed schedule fires once, not once per missed slot")
	assert.Equal(t, "wf-missed", starts[0].Workflow.ID)
	assert.Equal(t, *at(9, 0), *f.nextRun(t, "wf-missed"))
	assert.Nil(t, f.nextRun(t, "wf-fresh"))
	assert.Equal(t, []string{"exec-overdue"}, f.runner.resumeCalls())
}

// --- Lifecycle ---

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	wf := f.scheduled(t, "wf", at(10, 0))
	f.waiting(t, wf.ID, "exec-a", *at(8, 0))

	require.NoError(t, f.sched.Start(context.Background()))
	assert.Error(t, f.sched.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(f.runner.resumeCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.sched.Stop())
	require.NoError(t, f.sched.Stop())

	// Restartable after Stop.
	require.NoError(t, f.sched.Start(context.Background()))
	require.NoError(t, f.sched.Stop())
}
