package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Run workflows of typed steps",
		EnableShellCompletion: true,
		Flags:                 configFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(out),
			resumeCommand(out),
			statusCommand(out),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(context.Context, *cli.Command) error {
					printVersion()
					return nil
				},
			},
		},
	}
}

// withApp loads config, wires the app and runs fn against it.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler and serve MCP over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				if err := a.scheduler.RecoverMissed(ctx); err != nil {
					return err
				}
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
				defer a.scheduler.Stop()

				srv := mcp.NewServer(mcp.ServerDeps{Runner: a.runner, Logger: a.logger, Version: version})
				a.logger.Info("stepflow serving", slog.String("transport", "stdio"))
				if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}

func runCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow once and print the result",
		ArgsUsage: "<request.json>",
		Description: "The file holds {\"workflow\": {...}, \"user\": {...}, \"triggerData\": {...}}. " +
			"A run that suspends on a delay is left waiting; resume it with `stepflow resume` or `stepflow serve`.",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("run requires a request file")
			}
			req, err := readStartRequest(path)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				result, err := a.runner.Start(ctx, *req)
				if err != nil {
					return err
				}
				return printResult(out, result)
			})
		},
	}
}

func resumeCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a waiting execution and print the result",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("resume requires an execution id")
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				result, err := a.runner.Resume(ctx, id)
				if err != nil {
					return err
				}
				return printResult(out, result)
			})
		},
	}
}

func statusCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print an execution with its steps and events",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("status requires an execution id")
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				st, err := a.runner.Status(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(out, st)
			})
		},
	}
}

func readStartRequest(path string) (*runner.StartRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	var req runner.StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request %s: %w", path, err)
	}
	if req.Workflow == nil {
		return nil, fmt.Errorf("request %s has no workflow", path)
	}
	return &req, nil
}

var errRunFailed = errors.New("execution failed")

// printResult writes the result and turns a failed run into a non-zero exit.
func printResult(out io.Writer, result *schema.ExecutionResult) error {
	if err := writeJSON(out, result); err != nil {
		return err
	}
	if result.Status == schema.ExecutionFailed {
		return errRunFailed
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
