package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/apex/internal/admission"
	"github.com/aristath/apex/internal/agent"
	"github.com/aristath/apex/internal/capacity"
	"github.com/aristath/apex/internal/config"
	"github.com/aristath/apex/internal/events"
	"github.com/aristath/apex/internal/executor"
	"github.com/aristath/apex/internal/orchestrator"
	"github.com/aristath/apex/internal/persistence"
	"github.com/aristath/apex/internal/workflow"
	"github.com/aristath/apex/internal/workspace"
)

// app holds the wired engine for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	store     *persistence.SQLiteStore
	workflows *workflow.Registry
	procs     *agent.ProcessManager
	ledger    *capacity.Ledger
	monitor   *capacity.Monitor
	sched     *admission.Scheduler
	orch      *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := configPath
	if projectPath == "" {
		projectPath = config.ProjectPath
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	if cfg.InMemory() {
		return persistence.NewMemoryStore(ctx)
	}
	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	return persistence.NewSQLiteStore(ctx, cfg.General.DatabasePath)
}

func loadWorkflows(cfg *config.Config) (*workflow.Registry, error) {
	registry := workflow.NewRegistry()
	if cfg.General.WorkflowsDir != "" {
		if err := registry.LoadDir(cfg.General.WorkflowsDir); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newProvider(cfg *config.Config) (workspace.Provider, error) {
	if cfg.Workspace.Strategy == "none" {
		return workspace.None{}, nil
	}
	repo, err := filepath.Abs(cfg.Workspace.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path: %w", err)
	}
	return workspace.NewGitWorktrees(workspace.GitWorktreesConfig{
		RepoPath:    repo,
		BaseBranch:  cfg.Workspace.BaseBranch,
		WorktreeDir: cfg.Workspace.WorktreeDir,
	}), nil
}

// newApp wires every component from the configuration. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(), procs: agent.NewProcessManager()}

	var err error
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	fail := func(err error) (*app, error) {
		a.store.Close()
		a.bus.Close()
		return nil, err
	}

	if a.workflows, err = loadWorkflows(cfg); err != nil {
		return fail(err)
	}

	limits, err := cfg.CapacityLimits()
	if err != nil {
		return fail(err)
	}
	if a.ledger, err = capacity.NewLedger(ctx, a.store, limits.Location, nil); err != nil {
		return fail(err)
	}

	sink := events.Fanout{a.bus, events.NewLogSink(logger)}

	if a.monitor, err = capacity.NewMonitor(a.ledger, limits, sink, capacity.WithLogger(logger)); err != nil {
		return fail(err)
	}
	a.sched = admission.New(a.monitor, a.store, cfg.AdmissionOptions(logger))

	commands, err := cfg.AgentCommands()
	if err != nil {
		return fail(err)
	}
	runner := agent.NewResilient(
		agent.NewCommandRunner(commands, a.procs),
		agent.NewBreakerRegistry(logger),
		cfg.RetryPolicy(),
		cfg.NoRetryAgents(),
	)

	exec := executor.New(a.store, sink, runner, executor.Options{
		MaxParallelStages: cfg.General.MaxParallelStages,
		CancelGrace:       cfg.General.CancelGrace.Duration,
		Gate:              a.sched,
		Usage:             a.ledger,
		ChargeUsage:       a.sched.ChargesBudget,
		Logger:            logger,
	})

	provider, err := newProvider(cfg)
	if err != nil {
		return fail(err)
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Store:             a.store,
		Workflows:         a.workflows,
		Workspace:         provider,
		Sink:              sink,
		Executor:          exec,
		Admission:         a.sched,
		PreserveOnFailure: cfg.Workspace.PreserveOnFailure,
		CancelTimeout:     cfg.General.CancelGrace.Duration + 5*time.Second,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// start launches the capacity monitor and the admission scheduler.
func (a *app) start(ctx context.Context) error {
	capacityEvents := a.bus.Subscribe(events.TopicCapacity, 64)
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting capacity monitor: %w", err)
	}
	go a.sched.Run(ctx, capacityEvents)
	return nil
}

// close stops every component. Running tasks are cancelled and any agent
// process still alive after the grace period is killed.
func (a *app) close() error {
	a.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.General.CancelGrace.Duration+10*time.Second)
	defer cancel()

	var errs []error
	if err := a.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tasks: %w", err))
	}
	if err := a.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing agent processes: %w", err))
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// awaitTerminal blocks until every task in ids reached a terminal status.
// Tasks may be paused and resumed any number of times meanwhile.
func (a *app) awaitTerminal(ctx context.Context, ids []string) error {
	taskEvents := a.bus.Subscribe(events.TopicTask, 256)

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	// Catch tasks that finished before the subscription existed
	check := func() error {
		for id := range pending {
			task, err := a.store.Get(ctx, id)
			if err != nil {
				return err
			}
			if task.Status.IsTerminal() {
				delete(pending, id)
			}
		}
		return nil
	}
	if err := check(); err != nil {
		return err
	}

	// The bus drops events for slow subscribers; poll the store as a fallback
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := check(); err != nil {
				return err
			}
		case e, ok := <-taskEvents:
			if !ok {
				return errors.New("event bus closed")
			}
			switch e.(type) {
			case events.TaskCompletedEvent, events.TaskFailedEvent, events.TaskCancelledEvent:
				delete(pending, e.TaskID())
			}
		}
	}
	return nil
}
