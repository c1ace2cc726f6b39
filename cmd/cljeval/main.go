package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/document"
	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/logging"
	"github.com/cljeval/cljeval/internal/process"
	"github.com/cljeval/cljeval/internal/session"
	"github.com/cljeval/cljeval/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sessionService is the part of the session manager the CLI drives directly.
type sessionService interface {
	List(ctx context.Context) ([]session.Info, error)
	Teardown(ctx context.Context, id string) error
	Prune(ctx context.Context) ([]string, error)
}

// app carries the wired components every command shares.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	bus      events.Bus
	sessions sessionService
	engine   document.Evaluator
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	runtimeLogger, err := logging.New(
		ctx,
		logging.WithRunID(runID),
		logging.WithLevel(cfg.Log.Level),
		logging.WithDir(cfg.Log.Dir),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTEL, runtimeLogger.Logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	ctx, span := otel.Tracer("cljeval/cmd").Start(ctx, "cljeval.run")
	defer span.End()
	if spanContext := span.SpanContext(); spanContext.HasTraceID() {
		runtimeLogger.WithTraceID(spanContext.TraceID().String())
	}
	logger := runtimeLogger.Logger

	bus := events.New(events.WithLogger(logger))
	runtimeLogger.LogEvents(bus)
	defer bus.Close()

	sessions := session.New(session.Options{
		Runtime: cfg.Runtime,
		Session: cfg.Session,
		Logger:  logger,
		Bus:     bus,
	})
	// Servers keep running in tmux so the next invocation can reattach.
	defer sessions.Close()

	processes := process.New(process.Options{
		TempDir: cfg.Process.TempDir,
		Timeout: cfg.Process.EvalTimeout,
		Logger:  logger,
	})

	eng, err := engine.New(engine.Options{
		Sessions:  sessions,
		Processes: processes,
		Runtime:   cfg.Runtime,
		Logger:    logger,
		Bus:       bus,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	cmd := newRootCommand(&app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		sessions: sessions,
		engine:   eng,
	})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cljeval",
		Short:         "Evaluate Clojure snippets in fresh processes or persistent REPL sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newEvalCommand(a),
		newDocCommand(a),
		newSessionsCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a == nil || a.logger == nil {
			return errors.New("logger is required")
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		a.logger.With("command", cmd.CommandPath()).Debug("command invocation")
		return nil
	}

	return root
}
