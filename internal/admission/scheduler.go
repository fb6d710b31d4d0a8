// Package admission decides whether tasks may start or continue and resumes
// waiting tasks when capacity comes back.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/events"
)

// CapacitySource reports the last known capacity.
type CapacitySource interface {
	Current() domain.CapacityInfo
}

// TaskReader loads task snapshots.
type TaskReader interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
}

// Resumer restarts a waiting task. For a Paused task this resumes execution;
// for a Queued task that was denied admission it performs the first start.
type Resumer interface {
	ResumeTask(ctx context.Context, taskID, reason string) error
}

// Options configures the Scheduler.
type Options struct {
	// RecheckEachResume consults CanAdmit before every resumption instead of
	// once per capacity:restored event.
	RecheckEachResume bool
	// SubtasksShareBudget charges subtasks against the parent's budget. When
	// false subtasks are always admitted.
	SubtasksShareBudget bool
	Logger              *slog.Logger
}

// DefaultOptions returns the default scheduler options.
func DefaultOptions() Options {
	return Options{
		RecheckEachResume:   true,
		SubtasksShareBudget: true,
	}
}

// Scheduler gates admission on capacity and keeps the set of tasks waiting
// for capacity to return.
type Scheduler struct {
	state  CapacitySource
	store  TaskReader
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[string]struct{}
	resumer Resumer
}

// New creates a Scheduler. A nil state admits everything.
func New(state CapacitySource, store TaskReader, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		state:   state,
		store:   store,
		opts:    opts,
		logger:  logger,
		waiting: make(map[string]struct{}),
	}
}

// SetResumer wires the component that restarts waiting tasks.
func (s *Scheduler) SetResumer(r Resumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumer = r
}

// CanAdmit reports whether new work may start now.
func (s *Scheduler) CanAdmit() bool {
	if s.state == nil {
		return true
	}
	return !s.state.Current().ShouldPause
}

// CanAdmitTask applies the subtask budget policy on top of CanAdmit.
func (s *Scheduler) CanAdmitTask(task *domain.Task) bool {
	if task != nil && task.IsSubtask() && !s.opts.SubtasksShareBudget {
		return true
	}
	return s.CanAdmit()
}

// ChargesBudget reports whether the task's usage counts against the shared budget.
func (s *Scheduler) ChargesBudget(task *domain.Task) bool {
	return task == nil || !task.IsSubtask() || s.opts.SubtasksShareBudget
}

// Register adds a task to the waiting set.
func (s *Scheduler) Register(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting[taskID] = struct{}{}
}

// Deregister removes a task from the waiting set.
func (s *Scheduler) Deregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, taskID)
}

// Waiting returns the IDs of waiting tasks in no particular order.
func (s *Scheduler) Waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.waiting))
	for id := range s.waiting {
		ids = append(ids, id)
	}
	return ids
}

// HandleRestored resumes waiting tasks oldest first until admission would be
// denied again or the queue is exhausted.
func (s *Scheduler) HandleRestored(ctx context.Context, event events.CapacityRestoredEvent) {
	s.mu.Lock()
	resumer := s.resumer
	s.mu.Unlock()

	if resumer == nil {
		s.logger.Warn("capacity restored but no resumer is wired")
		return
	}

	queue := s.queue(ctx)
	if len(queue) == 0 {
		return
	}

	s.logger.Info("capacity restored, resuming waiting tasks",
		slog.String("reason", event.Reason),
		slog.Int("waiting", len(queue)))

	if !s.opts.RecheckEachResume && !s.CanAdmit() {
		return
	}

	budgetDenied := false
	for _, task := range queue {
		if ctx.Err() != nil {
			return
		}

		if s.ChargesBudget(task) {
			if budgetDenied {
				continue
			}
			if s.opts.RecheckEachResume && !s.CanAdmit() {
				// Strict FIFO: nothing younger that shares the budget may jump ahead
				budgetDenied = true
				continue
			}
		}

		s.Deregister(task.ID)
		if err := resumer.ResumeTask(ctx, task.ID, event.Reason); err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				s.logger.Debug("waiting task no longer resumable",
					slog.String("task_id", task.ID), slog.Any("error", err))
				continue
			}
			s.logger.Warn("failed to resume task",
				slog.String("task_id", task.ID), slog.Any("error", err))
			s.Register(task.ID)
		}
	}
}

// HandleExhausted takes no action on running tasks: they observe the denial
// at their next batch boundary.
func (s *Scheduler) HandleExhausted(event events.CapacityExhaustedEvent) {
	s.logger.Info("capacity exhausted, new batches will pause",
		slog.String("window", event.Capacity.WindowID),
		slog.Float64("used", event.Capacity.Used),
		slog.Float64("limit", event.Capacity.Limit))
}

// Run consumes capacity events until ctx is done or the channel closes.
func (s *Scheduler) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch e := event.(type) {
			case events.CapacityRestoredEvent:
				s.HandleRestored(ctx, e)
			case events.CapacityExhaustedEvent:
				s.HandleExhausted(e)
			}
		}
	}
}

// queue loads the waiting tasks sorted by creation time. Tasks that vanished
// or already finished are dropped from the waiting set.
func (s *Scheduler) queue(ctx context.Context) []*domain.Task {
	var tasks []*domain.Task
	for _, id := range s.Waiting() {
		task, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.Deregister(id)
				continue
			}
			s.logger.Warn("failed to load waiting task", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		if task.Status.IsTerminal() || task.Status == domain.TaskRunning {
			s.Deregister(id)
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}
