package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
)

// Runner is what the scheduler drives. Satisfied by *runner.Runner.
type Runner interface {
	Start(ctx context.Context, req runner.StartRequest) (*schema.ExecutionResult, error)
	Resume(ctx context.Context, executionID string) (*schema.ExecutionResult, error)
}

// Config tunes the polling loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Scheduler polls the store for waiting executions whose resume time has
// passed and for schedule-triggered workflows that are due.
type Scheduler struct {
	store  store.Store
	runner Runner
	parser cron.Parser
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution and workflow keys being run (dedup)
}

// New creates a Scheduler.
func New(s store.Store, r Runner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   r,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cfg:      cfg,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) now() time.Time { return s.cfg.Clock().UTC() }

// tick resumes due executions, then fires due schedules.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.resumeDue(ctx, now)
	s.fireSchedules(ctx, now, false)
}

// resumeDue resumes every waiting execution with resume_at <= now and
// returns how many were resumed.
func (s *Scheduler) resumeDue(ctx context.Context, now time.Time) int {
	due, err := s.store.ListDueExecutions(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due executions", slog.String("error", err.Error()))
		return 0
	}

	resumed := 0
	for _, exec := range due {
		if ctx.Err() != nil {
			break
		}
		key := "exec:" + exec.ID
		if !s.tryAcquire(key) {
			continue
		}
		res, err := s.runner.Resume(ctx, exec.ID)
		s.release(key)

		if err != nil {
			// Another resumer may have claimed it first.
			if isCode(err, schema.ErrCodeConflict) {
				s.logger.Debug("execution already claimed", slog.String("execution_id", exec.ID))
				continue
			}
			s.logger.Error("failed to resume execution",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resumed++
		s.logger.Info("resumed execution",
			slog.String("execution_id", exec.ID),
			slog.String("status", string(res.Status)),
		)
	}
	return resumed
}

// fireSchedules starts schedule-triggered workflows whose next_run_at has
// passed. A workflow without next_run_at gets one computed and is not run,
// unless missed is set, in which case only overdue workflows are considered.
func (s *Scheduler) fireSchedules(ctx context.Context, now time.Time, missed bool) int {
	workflows, err := s.store.ListScheduledWorkflows(ctx)
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return 0
	}

	fired := 0
	for _, wf := range workflows {
		if ctx.Err() != nil {
			break
		}
		if wf.NextRunAt == nil {
			if missed {
				continue
			}
			s.advance(ctx, wf, now)
			continue
		}
		if wf.NextRunAt.After(now) {
			continue
		}
		key := "wf:" + wf.ID
		if !s.tryAcquire(key) {
			continue
		}
		if err := s.runWorkflow(ctx, wf, now); err != nil {
			s.logger.Error("failed to run scheduled workflow",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(key)
	}
	return fired
}

// runWorkflow advances the schedule cursor, then starts one execution.
// The cursor moves first so a crash mid-run does not fire twice.
func (s *Scheduler) runWorkflow(ctx context.Context, wf *store.Workflow, now time.Time) error {
	scheduledFor := *wf.NextRunAt
	if err := s.advance(ctx, wf, now); err != nil {
		return err
	}

	s.logger.Info("running scheduled workflow",
		slog.String("workflow_id", wf.ID),
		slog.Time("scheduled_for", scheduledFor),
	)
	_, err := s.runner.Start(ctx, runner.StartRequest{
		Workflow: wf.Input(),
		User:     wf.Owner,
		TriggerData: map[string]any{
			"scheduledFor": scheduledFor.Format(time.RFC3339Nano),
			"firedAt":      now.Format(time.RFC3339Nano),
			"schedule":     wf.ScheduleExpression,
		},
	})
	if isCode(err, schema.ErrCodeConflict) {
		s.logger.Info("scheduled run skipped, previous execution still active",
			slog.String("workflow_id", wf.ID))
		return nil
	}
	return err
}

func (s *Scheduler) advance(ctx context.Context, wf *store.Workflow, now time.Time) error {
	next, err := s.CalculateNextRun(wf.ScheduleExpression, now)
	if err != nil {
		s.logger.Error("invalid schedule",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := s.store.UpdateWorkflowNextRun(ctx, wf.ID, &next); err != nil {
		return fmt.Errorf("update next run for workflow %q: %w", wf.ID, err)
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from).UTC(), nil
}

// RecoverMissed runs once at start-up: schedules whose next_run_at passed
// while the process was down fire once, and overdue waiting executions are
// resumed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := s.now()
	fired := s.fireSchedules(ctx, now, true)
	resumed := s.resumeDue(ctx, now)
	if fired+resumed > 0 {
		s.logger.Info("recovered missed work",
			slog.Int("schedules", fired),
			slog.Int("executions", resumed),
		)
	}
	return ctx.Err()
}

// tryAcquire returns true and marks key in-flight if it is not already.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

func isCode(err error, code string) bool {
	var fe *schema.FlowError
	return errors.As(err, &fe) && fe.Code == code
}
