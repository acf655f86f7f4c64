package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/registry"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "stepflow: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) error {
	cfg, showVersion, err := loadConfig(args, getenv, stderr)
	if err != nil {
		return err
	}
	if showVersion {
		printVersion(stdout)
		return nil
	}

	// stdout carries the MCP stdio transport; logs go to stderr.
	logger := logging.New(stderr, cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("stepflow started",
		"version", version,
		"definitions", a.registry.Count(),
		"schedules", len(cfg.Schedules),
		"journal", cfg.JournalPath != "",
	)

	err = a.server.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stepflow stopping")
	return nil
}

// app holds the wired components of a running process.
type app struct {
	logger    *slog.Logger
	registry  *registry.Registry
	engine    *engine.Engine
	hub       *streaming.Hub
	journal   *store.Journal
	scheduler *scheduler.Scheduler
	server    *mcp.Server
}

// newApp wires registry, engine, hub, journal, scheduler and MCP server, and
// loads the configured definition files. Schedules start ticking under ctx.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	tick, err := cfg.Tick()
	if err != nil {
		return nil, err
	}

	conditions, err := expressions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}
	transforms := expressions.NewTransformer()
	schemas := validation.NewSchemaValidator()

	reg := registry.New(validation.New(
		validation.WithConditionCompiler(conditions),
		validation.WithTransformCompiler(transforms),
		validation.WithSchemaValidator(schemas),
	))
	loadDefinitions(reg, cfg.Definitions, logger)

	builtins := actions.NewRegistry(actions.BuiltinTools(actions.HTTPConfig{})...)
	eng, err := engine.New(reg,
		engine.WithLogger(logger),
		engine.WithActions(builtins),
		engine.WithToolExecutor(actions.NewToolbox(builtins, actions.EchoTool)),
		engine.WithEvaluator(conditions),
		engine.WithTransformer(transforms),
		engine.WithSchemaValidator(schemas),
		engine.WithMaxConcurrent(cfg.MaxConcurrentInstances),
		engine.WithDefaultListLimit(cfg.DefaultListLimit),
		engine.WithAutoContinue(cfg.AutoContinue),
	)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, registry: reg, engine: eng}

	a.hub = streaming.NewHub()
	eng.AddEventHandler(a.hub.Handler())

	if cfg.JournalPath != "" {
		j, err := store.Open(cfg.JournalPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.journal = j
		if err := j.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		eng.AddEventHandler(j.Handler(eng.GetInstance, reg.FingerprintOf))
	}

	a.scheduler = scheduler.New(eng, scheduler.WithLogger(logger), scheduler.WithTick(tick))
	for _, s := range cfg.Schedules {
		if err := a.scheduler.Add(s); err != nil {
			a.close()
			return nil, fmt.Errorf("schedule %q: %w", s.ID, err)
		}
	}
	if len(cfg.Schedules) > 0 {
		if err := a.scheduler.Start(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	a.server = mcp.NewServer(mcp.ServerDeps{
		Engine:      eng,
		Definitions: reg,
		Journal:     a.journal,
		Hub:         a.hub,
		Logger:      logger,
		Version:     version,
	})
	return a, nil
}

// loadDefinitions registers every definition file matched by patterns. Bad
// files are logged and skipped.
func loadDefinitions(reg *registry.Registry, patterns []string, logger *slog.Logger) {
	if len(patterns) == 0 {
		return
	}
	files, err := loader.LoadFiles(patterns)
	if err != nil {
		logger.Warn("some definition files could not be loaded", "error", err.Error())
	}
	n, err := loader.RegisterAll(reg, files)
	if err != nil {
		logger.Warn("some definitions were rejected", "error", err.Error())
	}
	logger.Info("definitions loaded", "registered", n, "files", len(files))
}

// close stops the scheduler, drains the engine and releases the journal.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("engine shutdown incomplete", "error", err.Error())
	}

	if a.hub != nil {
		a.hub.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("journal close failed", "error", err.Error())
		}
	}
}
