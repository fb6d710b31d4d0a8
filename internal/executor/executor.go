// Package executor drives one task's stage DAG to a terminal outcome using
// batch barriers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/apex/internal/agent"
	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/events"
	"github.com/aristath/apex/internal/persistence"
	"github.com/aristath/apex/internal/workflow"
)

// DefaultCancelGrace bounds how long in-flight stages may take to return
// after cancellation before they are abandoned.
const DefaultCancelGrace = 10 * time.Second

// Gate decides at each batch boundary whether the task may launch another batch.
type Gate interface {
	CanAdmitTask(task *domain.Task) bool
}

// UsageRecorder is charged with the usage reported by each settled stage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, taskID string, amount float64) error
}

// OutcomeStatus is how a Run ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomePaused    OutcomeStatus = "paused"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome summarises a Run.
type Outcome struct {
	Status         OutcomeStatus
	FailedStages   []string // Sorted
	Err            error    // Joined *domain.StageExecutionError values for a Failed outcome
	NeverScheduled []string // Stages left Pending, in definition order
	Batches        int      // Batches launched by this Run
}

// Options configures an Executor.
type Options struct {
	// MaxParallelStages caps simultaneously running stages across every task
	// this executor runs. Zero means unbounded.
	MaxParallelStages int
	CancelGrace       time.Duration
	Gate              Gate          // nil admits every batch
	Usage             UsageRecorder // Optional
	// ChargeUsage selects which tasks are charged to Usage. nil charges all.
	ChargeUsage func(task *domain.Task) bool
	Logger      *slog.Logger
	Now         func() time.Time
}

// Executor runs workflow stages for tasks. One Executor is shared by all
// tasks; each Run call drives a single task.
type Executor struct {
	store  persistence.TaskStore
	sink   events.Sink
	runner agent.Runner
	opts   Options
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates an Executor.
func New(store persistence.TaskStore, sink events.Sink, runner agent.Runner, opts Options) *Executor {
	if sink == nil {
		sink = events.Discard
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		store:  store,
		sink:   sink,
		runner: runner,
		opts:   opts,
		logger: logger,
	}
	if opts.MaxParallelStages > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.MaxParallelStages))
	}
	return e
}

type stageResult struct {
	stage    workflow.StageDefinition
	res      agent.Result
	err      error
	finished time.Time
}

// Run executes the task's remaining stages, starting from its persisted stage
// records. Completed stages are never re-run. The returned error is non-nil
// only for persistence failures, which abort the run.
func (e *Executor) Run(ctx context.Context, taskID string, def *workflow.Definition) (Outcome, error) {
	// Store writes must land even after cancellation
	storeCtx := context.WithoutCancel(ctx)
	logger := e.logger.With(slog.String("task_id", taskID))
	stageErrs := make(map[string]error)
	batches := 0

	for {
		task, err := e.store.Get(storeCtx, taskID)
		if err != nil {
			return Outcome{Batches: batches}, err
		}

		completed, failed := settled(task)

		// Cancelled by the caller, or by another process through the store
		if ctx.Err() != nil || task.Status == domain.TaskCancelled {
			return e.outcome(OutcomeCancelled, task, def, stageErrs, batches), nil
		}

		// A failure stops new batches; the task terminates once nothing is in flight
		if len(failed) > 0 {
			return e.outcome(OutcomeFailed, task, def, stageErrs, batches), nil
		}

		ready := def.Ready(completed, failed, nil)
		if len(ready) == 0 {
			return e.outcome(OutcomeCompleted, task, def, stageErrs, batches), nil
		}

		if e.opts.Gate != nil && !e.opts.Gate.CanAdmitTask(task) {
			logger.Info("admission denied at batch boundary", slog.Int("ready", len(ready)))
			return e.outcome(OutcomePaused, task, def, stageErrs, batches), nil
		}

		batches++
		cancelled, err := e.runBatch(ctx, storeCtx, task, ready, stageErrs, logger)
		if err != nil {
			return Outcome{Batches: batches}, err
		}
		if cancelled {
			task, err = e.store.Get(storeCtx, taskID)
			if err != nil {
				return Outcome{Batches: batches}, err
			}
			return e.outcome(OutcomeCancelled, task, def, stageErrs, batches), nil
		}
	}
}

// runBatch launches every ready stage, waits on the barrier and records the
// results. It reports whether the batch was interrupted by cancellation.
func (e *Executor) runBatch(ctx, storeCtx context.Context, task *domain.Task, ready []workflow.StageDefinition, stageErrs map[string]error, logger *slog.Logger) (bool, error) {
	started := e.opts.Now()
	parallel := len(ready) > 1

	for _, stage := range ready {
		rec := domain.StageRecord{
			StageName: stage.Name,
			Agent:     stage.Agent,
			Status:    domain.StageRunning,
			StartedAt: started,
		}
		if err := e.store.AppendStageRecord(storeCtx, task.ID, rec); err != nil {
			return false, err
		}
	}

	if parallel {
		names := make([]string, len(ready))
		agents := make([]string, len(ready))
		for i, stage := range ready {
			names[i] = stage.Name
			agents[i] = stage.Agent
		}
		e.sink.Publish(events.StageParallelStartedEvent{ID: task.ID, Stages: names, Agents: agents, Timestamp: started})
	}
	for _, stage := range ready {
		e.sink.Publish(events.StageStartedEvent{ID: task.ID, Stage: stage.Name, Agent: stage.Agent, Timestamp: started})
	}

	// Buffered so abandoned stages never block on send
	results := make(chan stageResult, len(ready))

	// No shared context: a failing stage must not cancel its siblings
	var g errgroup.Group
	for _, stage := range ready {
		g.Go(func() error {
			results <- e.runStage(ctx, task, stage)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	abandoned := false
	select {
	case <-done:
	case <-ctx.Done():
		grace := time.NewTimer(e.opts.CancelGrace)
		select {
		case <-done:
		case <-grace.C:
			abandoned = true
		}
		grace.Stop()
	}

	byName := make(map[string]stageResult, len(ready))
collect:
	for {
		select {
		case r := <-results:
			byName[r.stage.Name] = r
		default:
			break collect
		}
	}

	if parallel {
		e.sink.Publish(events.StageParallelCompletedEvent{ID: task.ID, Timestamp: e.opts.Now()})
	}

	cancelled := ctx.Err() != nil
	now := e.opts.Now()
	records := make([]domain.StageRecord, 0, len(ready))
	var usage float64
	var abandonedNames []string

	for _, stage := range ready {
		rec := domain.StageRecord{
			StageName: stage.Name,
			Agent:     stage.Agent,
			StartedAt: started,
		}
		r, ok := byName[stage.Name]
		switch {
		case !ok:
			rec.Status = domain.StageSkipped
			rec.CompletedAt = now
			rec.Error = "abandoned after cancellation grace period"
			abandonedNames = append(abandonedNames, stage.Name)
		case r.err == nil:
			rec.Status = domain.StageCompleted
			rec.CompletedAt = r.finished
			rec.Usage = r.res.Usage
			usage += r.res.Usage
		case cancelled:
			rec.Status = domain.StageSkipped
			rec.CompletedAt = r.finished
			rec.Error = r.err.Error()
		default:
			rec.Status = domain.StageFailed
			rec.CompletedAt = r.finished
			rec.Error = r.err.Error()
			stageErrs[stage.Name] = &domain.StageExecutionError{TaskID: task.ID, Stage: stage.Name, Agent: stage.Agent, Err: r.err}
		}
		records = append(records, rec)
	}

	_, err := e.store.Update(storeCtx, task.ID, func(t *domain.Task) error {
		for _, rec := range records {
			t.StageRecords[rec.StageName] = rec
		}
		t.Usage += usage
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return cancelled, err
	}

	if usage > 0 && e.opts.Usage != nil && e.charges(task) {
		if err := e.opts.Usage.RecordUsage(storeCtx, task.ID, usage); err != nil {
			logger.Warn("failed to record usage", slog.Float64("usage", usage), slog.Any("error", err))
		}
	}

	for _, rec := range records {
		switch rec.Status {
		case domain.StageCompleted:
			e.sink.Publish(events.StageCompletedEvent{ID: task.ID, Stage: rec.StageName, Duration: rec.CompletedAt.Sub(rec.StartedAt), Timestamp: rec.CompletedAt})
		case domain.StageFailed:
			e.sink.Publish(events.StageFailedEvent{ID: task.ID, Stage: rec.StageName, Err: stageErrs[rec.StageName], Timestamp: rec.CompletedAt})
		}
	}

	if abandoned {
		timeoutErr := &domain.CancellationTimeoutError{TaskID: task.ID, Grace: e.opts.CancelGrace, Abandoned: abandonedNames}
		logger.Warn("cancellation grace period elapsed", slog.Any("error", timeoutErr))
	}

	return cancelled, nil
}

// runStage runs one stage's agent, honouring the executor-wide concurrency cap.
func (e *Executor) runStage(ctx context.Context, task *domain.Task, stage workflow.StageDefinition) (result stageResult) {
	result.stage = stage
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("agent panicked: %v", r)
		}
		result.finished = e.opts.Now()
	}()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			result.err = err
			return result
		}
		defer e.sem.Release(1)
	}

	result.res, result.err = e.runner.Run(ctx, agent.Request{
		TaskID:     task.ID,
		Stage:      stage.Name,
		Agent:      stage.Agent,
		WorkDir:    task.WorkspacePath,
		BranchName: task.BranchName,
	})
	return result
}

func (e *Executor) charges(task *domain.Task) bool {
	return e.opts.ChargeUsage == nil || e.opts.ChargeUsage(task)
}

func (e *Executor) outcome(status OutcomeStatus, task *domain.Task, def *workflow.Definition, stageErrs map[string]error, batches int) Outcome {
	out := Outcome{Status: status, Batches: batches}

	out.FailedStages = task.StagesWithStatus(domain.StageFailed)
	if status == OutcomeFailed {
		errs := make([]error, 0, len(out.FailedStages))
		for _, name := range out.FailedStages {
			if err, ok := stageErrs[name]; ok {
				errs = append(errs, err)
				continue
			}
			// Failed in an earlier run; only the message survives
			rec := task.StageRecords[name]
			errs = append(errs, &domain.StageExecutionError{TaskID: task.ID, Stage: name, Agent: rec.Agent, Err: errors.New(rec.Error)})
		}
		out.Err = errors.Join(errs...)
	}

	if status == OutcomeFailed || status == OutcomeCancelled {
		for _, stage := range def.Stages {
			if task.StageStatus(stage.Name) == domain.StagePending {
				out.NeverScheduled = append(out.NeverScheduled, stage.Name)
			}
		}
	}
	return out
}

// settled derives the completed and failed sets from the task's records.
// Ready, Running and Skipped records are neither and will be launched again.
func settled(task *domain.Task) (completed, failed map[string]bool) {
	completed = make(map[string]bool)
	failed = make(map[string]bool)
	for name, rec := range task.StageRecords {
		switch rec.Status {
		case domain.StageCompleted:
			completed[name] = true
		case domain.StageFailed:
			failed[name] = true
		}
	}
	return completed, failed
}
