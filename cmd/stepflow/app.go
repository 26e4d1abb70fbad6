package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
)

// app is the wired object graph shared by all commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.SQLStore
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	shutdown  func(context.Context) error
}

// newApp opens and migrates the store, registers the built-in handlers and
// builds the runner and scheduler. Logs go to stderr; stdout is reserved for
// command output and the MCP transport.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tracer, shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	st, err := store.NewSQLStore(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	reg := handlers.NewRegistry()
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	opts := handlers.Options{
		Validator:   jsv,
		HTTP:        handlers.HTTPConfig{DefaultTimeout: time.Duration(cfg.HTTPTimeout)},
		DefaultFrom: cfg.MailFrom,
		Slack:       handlers.NewSlackClient(cfg.SlackToken, cfg.SlackAPIURL),
	}
	if cfg.SMTPHost != "" {
		opts.Mailer = handlers.NewSMTPMailer(handlers.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		})
	}
	if err := handlers.RegisterBuiltins(reg, opts); err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	wv, err := validation.NewWorkflowValidator(reg)
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	exec := engine.NewExecutor(reg, engine.Config{Logger: logger, Tracer: tracer})
	run := runner.New(st, exec, wv, runner.Config{Logger: logger})
	sched := scheduler.New(st, run, scheduler.Config{
		Interval:  time.Duration(cfg.SchedulerInterval),
		BatchSize: cfg.SchedulerBatch,
		Logger:    logger,
	})

	logger.Debug("stepflow wired",
		slog.String("store_driver", cfg.StoreDriver),
		slog.Int("handlers", reg.Count()),
		slog.Bool("tracing", cfg.Tracing),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		runner:    run,
		scheduler: sched,
		shutdown:  shutdown,
	}, nil
}

// Close flushes traces and closes the store.
func (a *app) Close(ctx context.Context) {
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}
