package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/persistence"
)

var (
	runParent    string
	runQueueOnly bool
	statusFilter string
	resumeAll    bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run WORKFLOW",
		Short: "Create a task for a workflow and execute it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runParent, "parent", "", "run as a subtask sharing this task's workspace")
	runCmd.Flags().BoolVar(&runQueueOnly, "queue-only", false, "create the task without starting it")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [TASK]",
		Short: "Show tasks, or one task's stages",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by task status")
	rootCmd.AddCommand(statusCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume [TASK...]",
		Short: "Resume queued or paused tasks and wait for them",
		RunE:  runResume,
	}
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "recover interrupted tasks and resume every paused task")
	rootCmd.AddCommand(resumeCmd)

	// workflows command
	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		RunE:  runWorkflows,
	}
	rootCmd.AddCommand(workflowsCmd)

	// capacity command
	capacityCmd := &cobra.Command{
		Use:   "capacity",
		Short: "Show the current capacity window",
		RunE:  runCapacity,
	}
	rootCmd.AddCommand(capacityCmd)
}

// withApp loads configuration, wires the engine and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, start bool, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if start {
		if err := a.start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func runRun(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		task, err := a.orch.CreateTask(ctx, args[0], runParent)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)
		if runQueueOnly {
			return nil
		}

		if err := a.orch.ExecuteTask(ctx, task.ID); err != nil {
			return err
		}
		if err := a.awaitTerminal(ctx, []string{task.ID}); err != nil {
			return err
		}
		return showTask(ctx, cmd, a, task.ID)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		if len(args) == 1 {
			return showTask(ctx, cmd, a, args[0])
		}

		var opts persistence.ListOptions
		if statusFilter != "" {
			status := domain.TaskStatus(statusFilter)
			if !status.IsValid() {
				return fmt.Errorf("unknown status %q", statusFilter)
			}
			opts.Statuses = []domain.TaskStatus{status}
		}
		tasks, err := a.orch.ListTasks(ctx, opts)
		if err != nil {
			return err
		}
		renderTaskList(cmd.OutOrStdout(), tasks)
		return nil
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(ctx context.Context, a *app) error {
		if err := a.orch.CancelTask(ctx, args[0]); err != nil {
			return err
		}
		return showTask(ctx, cmd, a, args[0])
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !resumeAll {
		return fmt.Errorf("name at least one task or pass --all")
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		ids := args
		if resumeAll {
			recovered, err := a.orch.Recover(ctx)
			if err != nil {
				return err
			}
			for _, id := range recovered {
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered interrupted task %s\n", id)
			}

			paused, err := a.orch.ListTasks(ctx, persistence.ListOptions{
				Statuses: []domain.TaskStatus{domain.TaskPaused},
			})
			if err != nil {
				return err
			}
			ids = nil
			for _, task := range paused {
				ids = append(ids, task.ID)
			}
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume")
			return nil
		}

		for _, id := range ids {
			if err := resumeOne(ctx, a, id); err != nil {
				return err
			}
		}
		if err := a.awaitTerminal(ctx, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if err := showTask(ctx, cmd, a, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// resumeOne starts a queued or paused task now, or leaves it waiting for
// capacity when the budget does not allow it.
func resumeOne(ctx context.Context, a *app, id string) error {
	task, err := a.orch.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskQueued:
		return a.orch.ExecuteTask(ctx, id)
	case domain.TaskPaused:
		if !a.sched.CanAdmitTask(task) {
			a.sched.Register(id)
			// Capacity may have returned before the registration landed
			if !a.sched.CanAdmitTask(task) {
				a.logger.Info("task waiting for capacity", "task_id", id)
				return nil
			}
		}
		return a.orch.ResumeTask(ctx, id, "manual")
	default:
		return fmt.Errorf("task %s is %s and cannot be resumed", id, task.Status)
	}
}

func runWorkflows(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := loadWorkflows(cfg)
	if err != nil {
		return err
	}
	for _, name := range registry.Names() {
		def, _ := registry.Get(name)
		renderWorkflow(cmd.OutOrStdout(), def)
	}
	return nil
}

func runCapacity(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		current := a.monitor.Current()
		window := a.monitor.Window()

		sched := a.monitor.Schedule()
		now := time.Now()
		next := sched.NextModeSwitch(now)
		if midnight := sched.NextMidnight(now); midnight.Before(next) {
			next = midnight
		}
		renderCapacity(cmd.OutOrStdout(), current, window, next)
		return nil
	})
}

func showTask(ctx context.Context, cmd *cobra.Command, a *app, id string) error {
	task, err := a.orch.GetTask(ctx, id)
	if err != nil {
		return err
	}
	def, _ := a.workflows.Get(task.WorkflowName)
	renderTask(cmd.OutOrStdout(), task, def)
	return nil
}
