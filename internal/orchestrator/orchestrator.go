// Package orchestrator owns the task lifecycle: creation, admission, execution,
// pause/resume, cancellation and workspace cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/apex/internal/admission"
	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/events"
	"github.com/aristath/apex/internal/executor"
	"github.com/aristath/apex/internal/persistence"
	"github.com/aristath/apex/internal/workflow"
	"github.com/aristath/apex/internal/workspace"
)

// Executor drives a task's stage DAG. *executor.Executor implements it.
type Executor interface {
	Run(ctx context.Context, taskID string, def *workflow.Definition) (executor.Outcome, error)
}

// Admission gates task starts and tracks tasks waiting for capacity.
// *admission.Scheduler implements it.
type Admission interface {
	CanAdmitTask(task *domain.Task) bool
	Register(taskID string)
	Deregister(taskID string)
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Store     persistence.TaskStore
	Workflows *workflow.Registry
	Workspace workspace.Provider // nil disables isolation
	Sink      events.Sink
	Executor  Executor
	Admission Admission // nil admits everything

	// PreserveOnFailure keeps the workspace of a failed task for inspection.
	PreserveOnFailure bool

	// CancelTimeout bounds how long CancelTask waits for a running task to
	// finalise. Defaults to executor.DefaultCancelGrace plus a margin.
	CancelTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// run tracks a task's in-flight execution goroutine.
type run struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	// Set by CancelTask. A pause reported after it is recorded as a cancellation.
	cancelRequested atomic.Bool
}

// Orchestrator is the façade callers use to manage tasks.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	locks  *taskLocks

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an Orchestrator. When the admission collaborator accepts a
// resumer (as *admission.Scheduler does) the orchestrator registers itself.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Workflows == nil {
		return nil, errors.New("orchestrator: workflow registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if cfg.Workspace == nil {
		cfg.Workspace = workspace.None{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = executor.DefaultCancelGrace + 5*time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		locks:      newTaskLocks(),
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*run),
	}

	if setter, ok := cfg.Admission.(interface{ SetResumer(r admission.Resumer) }); ok {
		setter.SetResumer(o)
	}
	return o, nil
}

var _ admission.Resumer = (*Orchestrator)(nil)

// CreateTask creates and persists a Queued task. A subtask inherits its
// parent's branch and workspace; a top-level task gets a workspace from the
// provider, or none if provisioning fails.
func (o *Orchestrator) CreateTask(ctx context.Context, workflowName, parentTaskID string) (*domain.Task, error) {
	if _, ok := o.cfg.Workflows.Get(workflowName); !ok {
		return nil, &domain.ValidationError{Field: "workflow", Value: workflowName, Reason: "unknown workflow"}
	}

	task := domain.NewTask(o.cfg.NewID(), workflowName, o.cfg.Now())

	if parentTaskID != "" {
		parent, err := o.cfg.Store.Get(ctx, parentTaskID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, &domain.ValidationError{Field: "parent task", Value: parentTaskID, Reason: "not found", Err: err}
			}
			return nil, err
		}
		task.ParentTaskID = parent.ID
		task.BranchName = parent.BranchName
		task.WorkspacePath = parent.WorkspacePath
	} else {
		ws, err := o.cfg.Workspace.Provision(ctx, task)
		if err != nil {
			o.logger.Warn("continuing without workspace isolation",
				slog.String("task_id", task.ID),
				slog.Any("error", &domain.WorkspaceProvisionError{TaskID: task.ID, Err: err}))
		} else {
			task.BranchName = ws.BranchName
			task.WorkspacePath = ws.Path
		}
	}

	if err := o.cfg.Store.Put(ctx, task); err != nil {
		return nil, err
	}

	o.cfg.Sink.Publish(events.TaskCreatedEvent{Task: task.Clone(), Timestamp: task.CreatedAt})
	return task, nil
}

// ExecuteTask starts a Queued task asynchronously. If admission is denied the
// task stays Queued and waits for capacity to return.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	task, err := o.getForRequest(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskQueued {
		return &domain.ValidationError{Field: "task", Value: taskID, Reason: fmt.Sprintf("cannot execute a %s task", task.Status)}
	}

	if o.cfg.Admission != nil && !o.cfg.Admission.CanAdmitTask(task) {
		started, err := o.parkLocked(ctx, task, "")
		if !started && err == nil {
			o.logger.Info("admission denied, task queued until capacity returns", slog.String("task_id", taskID))
		}
		return err
	}

	return o.startLocked(ctx, task, "")
}

// ReasonCapacityReturned is reported on task:resumed when capacity came back
// while the task was being parked.
const ReasonCapacityReturned = "capacity_returned"

// parkLocked registers a denied task as waiting for capacity, then checks
// admission once more. Capacity may have been restored after the scheduler
// took its snapshot of waiting tasks but before the task was registered, and
// no further capacity:restored arrives until the budget is exhausted again.
// It reports whether the task was started. The task lock must be held.
func (o *Orchestrator) parkLocked(ctx context.Context, task *domain.Task, reason string) (bool, error) {
	o.cfg.Admission.Register(task.ID)
	// Nothing new starts once Shutdown began
	if o.baseCtx.Err() != nil || !o.cfg.Admission.CanAdmitTask(task) {
		return false, nil
	}
	if err := o.startLocked(ctx, task, reason); err != nil {
		return false, err
	}
	return true, nil
}

// ResumeTask re-enters execution for a Paused task, keeping its stage records.
// For a Queued task that was denied admission it performs the first start.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID, reason string) error {
	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	task, err := o.getForRequest(ctx, taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case domain.TaskQueued:
		return o.startLocked(ctx, task, "")
	case domain.TaskPaused:
		return o.startLocked(ctx, task, reason)
	default:
		return &domain.ValidationError{Field: "task", Value: taskID, Reason: fmt.Sprintf("cannot resume a %s task", task.Status)}
	}
}

// startLocked transitions the task to Running and launches its run goroutine.
// reason is reported on task:resumed when the task was Paused. The task lock
// must be held.
func (o *Orchestrator) startLocked(ctx context.Context, task *domain.Task, reason string) error {
	def, ok := o.cfg.Workflows.Get(task.WorkflowName)
	if !ok {
		return &domain.ValidationError{Field: "workflow", Value: task.WorkflowName, Reason: "unknown workflow"}
	}

	o.mu.Lock()
	_, active := o.runs[task.ID]
	o.mu.Unlock()
	if active {
		return &domain.ValidationError{Field: "task", Value: task.ID, Reason: "already running"}
	}

	resuming := task.Status == domain.TaskPaused
	now := o.cfg.Now()
	updated, err := o.cfg.Store.Update(ctx, task.ID, func(t *domain.Task) error {
		return t.Transition(domain.TaskRunning, now)
	})
	if err != nil {
		var terr *domain.TransitionError
		if errors.As(err, &terr) {
			return &domain.ValidationError{Field: "task", Value: task.ID, Reason: terr.Error(), Err: err}
		}
		return err
	}
	if o.cfg.Admission != nil {
		o.cfg.Admission.Deregister(task.ID)
	}

	if resuming {
		o.cfg.Sink.Publish(events.TaskResumedEvent{ID: task.ID, Reason: reason, Timestamp: now})
	} else {
		o.cfg.Sink.Publish(events.TaskStartedEvent{Task: updated, Timestamp: now})
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{}), startedAt: now}
	o.mu.Lock()
	o.runs[task.ID] = r
	o.mu.Unlock()

	go o.drive(runCtx, task.ID, def, r)
	return nil
}

// drive runs the executor and records its outcome.
func (o *Orchestrator) drive(ctx context.Context, taskID string, def *workflow.Definition, r *run) {
	defer close(r.done)
	defer r.cancel()

	out, err := o.cfg.Executor.Run(ctx, taskID, def)

	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	// Removed under the task lock so a resumption cannot observe a stale run
	o.mu.Lock()
	delete(o.runs, taskID)
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("task run aborted", slog.String("task_id", taskID), slog.Any("error", err))
		out = executor.Outcome{Status: executor.OutcomeFailed, Err: err}
	}
	if out.Status == executor.OutcomePaused && r.cancelRequested.Load() {
		// The run paused before it observed the cancellation
		out = executor.Outcome{Status: executor.OutcomeCancelled, NeverScheduled: out.NeverScheduled, Batches: out.Batches}
	}
	o.finishLocked(taskID, out, r.startedAt)
}

// finishLocked applies a run outcome to the task. The task lock must be held.
func (o *Orchestrator) finishLocked(taskID string, out executor.Outcome, startedAt time.Time) {
	// The run context may already be cancelled; the outcome must still land
	ctx := context.Background()
	logger := o.logger.With(slog.String("task_id", taskID))
	now := o.cfg.Now()

	current, err := o.cfg.Store.Get(ctx, taskID)
	if err != nil {
		logger.Error("failed to load task to record outcome", slog.Any("error", err))
		return
	}
	if current.Status.IsTerminal() {
		// Finalised elsewhere, e.g. cancelled from another process
		logger.Debug("task already final, outcome ignored",
			slog.String("status", string(current.Status)), slog.String("outcome", string(out.Status)))
		return
	}

	var to domain.TaskStatus
	switch out.Status {
	case executor.OutcomeCompleted:
		to = domain.TaskCompleted
	case executor.OutcomePaused:
		to = domain.TaskPaused
	case executor.OutcomeCancelled:
		to = domain.TaskCancelled
	default:
		to = domain.TaskFailed
	}

	task, err := o.cfg.Store.Update(ctx, taskID, func(t *domain.Task) error {
		if err := t.Transition(to, now); err != nil {
			return err
		}
		if to == domain.TaskFailed && out.Err != nil {
			t.Error = out.Err.Error()
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to record task outcome",
			slog.String("outcome", string(out.Status)), slog.Any("error", err))
		return
	}

	switch to {
	case domain.TaskCompleted:
		o.cfg.Sink.Publish(events.TaskCompletedEvent{Task: task, Duration: now.Sub(startedAt), Timestamp: now})
		o.cleanup(ctx, task)
	case domain.TaskFailed:
		o.cfg.Sink.Publish(events.TaskFailedEvent{Task: task, FailedStages: out.FailedStages, Err: out.Err, Timestamp: now})
		if o.cfg.PreserveOnFailure {
			logger.Info("preserving workspace of failed task",
				slog.String("branch", task.BranchName), slog.String("path", task.WorkspacePath))
		} else {
			o.cleanup(ctx, task)
		}
	case domain.TaskCancelled:
		if len(out.NeverScheduled) > 0 {
			logger.Debug("stages never scheduled", slog.Any("stages", out.NeverScheduled))
		}
		o.cfg.Sink.Publish(events.TaskCancelledEvent{Task: task, Timestamp: now})
		o.cleanup(ctx, task)
	case domain.TaskPaused:
		o.cfg.Sink.Publish(events.TaskPausedEvent{ID: taskID, Reason: domain.ReasonCapacityExhausted, Timestamp: now})
		if o.cfg.Admission != nil {
			if _, err := o.parkLocked(ctx, task, ReasonCapacityReturned); err != nil {
				logger.Error("failed to resume task after capacity returned", slog.Any("error", err))
			}
		}
	}
}

// CancelTask cancels a task. Terminal tasks are left untouched. A running task
// is signalled and awaited up to CancelTimeout; a Queued or Paused task is
// cancelled directly.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.locks.Lock(taskID)

	task, err := o.getForRequest(ctx, taskID)
	if err != nil {
		o.locks.Unlock(taskID)
		return err
	}
	if task.Status.IsTerminal() {
		o.locks.Unlock(taskID)
		return nil
	}

	o.mu.Lock()
	r, active := o.runs[taskID]
	o.mu.Unlock()

	if !active {
		// Queued, Paused, or Running with no live run after a restart
		defer o.locks.Unlock(taskID)
		if o.cfg.Admission != nil {
			o.cfg.Admission.Deregister(taskID)
		}
		now := o.cfg.Now()
		cancelled, err := o.cfg.Store.Update(ctx, taskID, func(t *domain.Task) error {
			return t.Transition(domain.TaskCancelled, now)
		})
		if err != nil {
			return err
		}
		o.cfg.Sink.Publish(events.TaskCancelledEvent{Task: cancelled, Timestamp: now})
		o.cleanup(context.WithoutCancel(ctx), cancelled)
		return nil
	}

	// The run goroutine takes the task lock to finalise
	r.cancelRequested.Store(true)
	r.cancel()
	o.locks.Unlock(taskID)

	timer := time.NewTimer(o.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return &domain.CancellationTimeoutError{TaskID: taskID, Grace: o.cfg.CancelTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the task's current run goroutine exits and returns the
// latest snapshot. It returns immediately when no run is active.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*domain.Task, error) {
	o.mu.Lock()
	r, active := o.runs[taskID]
	o.mu.Unlock()

	if active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.cfg.Store.Get(ctx, taskID)
}

// GetTask returns a snapshot of the task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return o.cfg.Store.Get(ctx, taskID)
}

// ListTasks returns task snapshots matching opts.
func (o *Orchestrator) ListTasks(ctx context.Context, opts persistence.ListOptions) ([]*domain.Task, error) {
	return o.cfg.Store.List(ctx, opts)
}

// ReasonRecovered is the task:paused reason for tasks recovered after a restart.
const ReasonRecovered = "recovered"

// Recover pauses tasks a previous process left Running and registers every
// Paused task with admission so it resumes when capacity allows. Completed
// stage records are kept; interrupted stages run again. It must not be called
// while another process is executing tasks from the same store.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	tasks, err := o.cfg.Store.List(ctx, persistence.ListOptions{
		Statuses: []domain.TaskStatus{domain.TaskRunning, domain.TaskPaused},
	})
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, task := range tasks {
		ok, err := o.recoverOne(ctx, task.ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, task.ID)
		}
	}
	return recovered, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, taskID string) (bool, error) {
	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	o.mu.Lock()
	_, active := o.runs[taskID]
	o.mu.Unlock()
	if active {
		return false, nil
	}

	now := o.cfg.Now()
	var wasRunning bool
	_, err := o.cfg.Store.Update(ctx, taskID, func(t *domain.Task) error {
		wasRunning = t.Status == domain.TaskRunning
		if !wasRunning {
			return nil
		}
		return t.Transition(domain.TaskPaused, now)
	})
	if err != nil {
		return false, err
	}

	if wasRunning {
		o.logger.Info("recovered interrupted task", slog.String("task_id", taskID))
		o.cfg.Sink.Publish(events.TaskPausedEvent{ID: taskID, Reason: ReasonRecovered, Timestamp: now})
	}
	if o.cfg.Admission != nil {
		o.cfg.Admission.Register(taskID)
	}
	return true, nil
}

// Shutdown cancels every running task and waits for their runs to finalise.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()

	o.mu.Lock()
	pending := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		pending = append(pending, r)
	}
	o.mu.Unlock()

	for _, r := range pending {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// cleanup releases the task's workspace. Subtasks share their parent's
// workspace and never clean it up.
func (o *Orchestrator) cleanup(ctx context.Context, task *domain.Task) {
	if task.IsSubtask() || task.WorkspacePath == "" {
		return
	}
	if err := o.cfg.Workspace.Cleanup(ctx, task); err != nil {
		o.logger.Warn("workspace cleanup failed",
			slog.String("task_id", task.ID),
			slog.String("path", task.WorkspacePath),
			slog.Any("error", err))
	}
}

// getForRequest loads a task for a caller request, mapping a missing task to
// a ValidationError.
func (o *Orchestrator) getForRequest(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := o.cfg.Store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.ValidationError{Field: "task", Value: taskID, Reason: "not found", Err: err}
		}
		return nil, err
	}
	return task, nil
}
