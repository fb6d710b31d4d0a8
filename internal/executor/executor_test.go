package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/apex/internal/agent"
	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/events"
	"github.com/aristath/apex/internal/persistence"
	"github.com/aristath/apex/internal/workflow"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

// stageRunner dispatches by stage name and counts invocations.
type stageRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(ctx context.Context) (agent.Result, error)
}

func newStageRunner() *stageRunner {
	return &stageRunner{
		calls:    make(map[string]int),
		handlers: make(map[string]func(ctx context.Context) (agent.Result, error)),
	}
}

func (r *stageRunner) on(stage string, h func(ctx context.Context) (agent.Result, error)) *stageRunner {
	r.handlers[stage] = h
	return r
}

func (r *stageRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	r.mu.Lock()
	r.calls[req.Stage]++
	h := r.handlers[req.Stage]
	r.mu.Unlock()
	if h != nil {
		return h(ctx)
	}
	return agent.Result{Output: req.Stage + " done"}, nil
}

func (r *stageRunner) count(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

func testStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func putTask(t *testing.T, store persistence.TaskStore, id string) *domain.Task {
	t.Helper()
	task := domain.NewTask(id, "test", time.Now())
	task.Status = domain.TaskRunning
	if err := store.Put(context.Background(), task); err != nil {
		t.Fatalf("put task: %v", err)
	}
	return task
}

func define(t *testing.T, stages ...workflow.StageDefinition) *workflow.Definition {
	t.Helper()
	def := &workflow.Definition{Name: "test", Stages: stages}
	if err := def.Validate(); err != nil {
		t.Fatalf("invalid workflow: %v", err)
	}
	return def
}

func standard(t *testing.T) *workflow.Definition {
	return define(t,
		workflow.StageDefinition{Name: "plan", Agent: "planner"},
		workflow.StageDefinition{Name: "design", Agent: "architect", DependsOn: []string{"plan"}},
		workflow.StageDefinition{Name: "implement", Agent: "coder", DependsOn: []string{"design"}},
		workflow.StageDefinition{Name: "test", Agent: "tester", DependsOn: []string{"design"}},
	)
}

func TestRunParallelEvents(t *testing.T) {
	store := testStore(t)
	sink := &recordingSink{}
	putTask(t, store, "task-1")
	def := standard(t)

	exec := New(store, sink, newStageRunner(), Options{})
	out, err := exec.Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	if out.Batches != 3 {
		t.Errorf("batches = %d, want 3", out.Batches)
	}

	started := sink.ofType(events.EventTypeStageParallelStarted)
	if len(started) != 1 {
		t.Fatalf("expected exactly 1 parallel-started, got %d", len(started))
	}
	ps := started[0].(events.StageParallelStartedEvent)
	if fmt.Sprint(ps.Stages) != "[implement test]" || fmt.Sprint(ps.Agents) != "[coder tester]" {
		t.Errorf("unexpected parallel batch %v / %v", ps.Stages, ps.Agents)
	}
	if n := len(sink.ofType(events.EventTypeStageParallelCompleted)); n != 1 {
		t.Fatalf("expected exactly 1 parallel-completed, got %d", n)
	}

	// The pair must bracket the batch
	startIdx, endIdx := -1, -1
	for i, typ := range sink.types() {
		switch typ {
		case events.EventTypeStageParallelStarted:
			startIdx = i
		case events.EventTypeStageParallelCompleted:
			endIdx = i
		}
	}
	if startIdx > endIdx {
		t.Errorf("parallel-started (%d) after parallel-completed (%d)", startIdx, endIdx)
	}

	if n := len(sink.ofType(events.EventTypeStageCompleted)); n != 4 {
		t.Errorf("expected 4 stage:completed events, got %d", n)
	}

	task, _ := store.Get(context.Background(), "task-1")
	for _, name := range def.Order() {
		if task.StageStatus(name) != domain.StageCompleted {
			t.Errorf("stage %s = %s, want completed", name, task.StageStatus(name))
		}
	}
}

func TestRunNoPrematureStart(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	def := define(t,
		workflow.StageDefinition{Name: "a", Agent: "x"},
		workflow.StageDefinition{Name: "b", Agent: "x"},
		workflow.StageDefinition{Name: "c", Agent: "x", DependsOn: []string{"a", "b"}},
		workflow.StageDefinition{Name: "d", Agent: "x", DependsOn: []string{"c"}},
		workflow.StageDefinition{Name: "e", Agent: "x", DependsOn: []string{"a"}},
	)

	var mu sync.Mutex
	finished := map[string]bool{}
	var violations []string

	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		stage, _ := def.Stage(req.Stage)
		mu.Lock()
		for _, dep := range stage.DependsOn {
			if !finished[dep] {
				violations = append(violations, fmt.Sprintf("%s started before %s", req.Stage, dep))
			}
		}
		mu.Unlock()

		time.Sleep(time.Duration(len(req.Stage)*5) * time.Millisecond)

		mu.Lock()
		finished[req.Stage] = true
		mu.Unlock()
		return agent.Result{}, nil
	})

	out, err := New(store, nil, runner, Options{}).Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if len(violations) > 0 {
		t.Errorf("dependency violations: %v", violations)
	}
	if out.Batches > def.LongestChain() {
		t.Errorf("batches = %d exceeds longest chain %d", out.Batches, def.LongestChain())
	}
}

func TestRunFailureIsolation(t *testing.T) {
	store := testStore(t)
	sink := &recordingSink{}
	putTask(t, store, "task-1")

	boom := errors.New("architect crashed")
	runner := newStageRunner().on("design", func(context.Context) (agent.Result, error) {
		return agent.Result{}, boom
	})

	out, err := New(store, sink, runner, Options{}).Run(context.Background(), "task-1", standard(t))
	if err != nil {
		t.Fatal(err)
	}

	if out.Status != OutcomeFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if fmt.Sprint(out.FailedStages) != "[design]" {
		t.Errorf("failed stages = %v", out.FailedStages)
	}
	if fmt.Sprint(out.NeverScheduled) != "[implement test]" {
		t.Errorf("never scheduled = %v", out.NeverScheduled)
	}

	var stageErr *domain.StageExecutionError
	if !errors.As(out.Err, &stageErr) {
		t.Fatalf("expected StageExecutionError, got %v", out.Err)
	}
	if stageErr.Stage != "design" || stageErr.Agent != "architect" || !errors.Is(out.Err, boom) {
		t.Errorf("unexpected stage error %+v", stageErr)
	}

	if runner.count("implement") != 0 || runner.count("test") != 0 {
		t.Error("dependents of a failed stage must never run")
	}

	task, _ := store.Get(context.Background(), "task-1")
	if _, ok := task.StageRecords["implement"]; ok {
		t.Error("dependent of failed stage has a record")
	}
	if task.StageRecords["design"].Error != boom.Error() {
		t.Errorf("record error = %q", task.StageRecords["design"].Error)
	}

	failed := sink.ofType(events.EventTypeStageFailed)
	if len(failed) != 1 || failed[0].(events.StageFailedEvent).Stage != "design" {
		t.Errorf("unexpected stage:failed events %v", failed)
	}
}

func TestRunFailingStageDoesNotCancelSiblings(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	def := define(t,
		workflow.StageDefinition{Name: "fast", Agent: "x"},
		workflow.StageDefinition{Name: "slow", Agent: "y"},
		workflow.StageDefinition{Name: "after", Agent: "z", DependsOn: []string{"slow"}},
	)

	runner := newStageRunner().
		on("fast", func(context.Context) (agent.Result, error) {
			return agent.Result{}, errors.New("fast failed")
		}).
		on("slow", func(ctx context.Context) (agent.Result, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return agent.Result{Usage: 1}, nil
			case <-ctx.Done():
				return agent.Result{}, ctx.Err()
			}
		})

	out, err := New(store, nil, runner, Options{}).Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("status = %s", out.Status)
	}

	task, _ := store.Get(context.Background(), "task-1")
	if task.StageStatus("slow") != domain.StageCompleted {
		t.Errorf("sibling should run to completion, got %s", task.StageStatus("slow"))
	}
	// No batch after a failure, even though "after" became ready
	if runner.count("after") != 0 {
		t.Error("no further batch may launch after a failure")
	}
	if fmt.Sprint(out.NeverScheduled) != "[after]" {
		t.Errorf("never scheduled = %v", out.NeverScheduled)
	}
}

func TestRunTerminatesWithinLongestChain(t *testing.T) {
	tests := []struct {
		name   string
		stages []workflow.StageDefinition
	}{
		{"single", []workflow.StageDefinition{{Name: "a", Agent: "x"}}},
		{"chain", []workflow.StageDefinition{
			{Name: "a", Agent: "x"},
			{Name: "b", Agent: "x", DependsOn: []string{"a"}},
			{Name: "c", Agent: "x", DependsOn: []string{"b"}},
		}},
		{"wide", []workflow.StageDefinition{
			{Name: "a", Agent: "x"}, {Name: "b", Agent: "x"}, {Name: "c", Agent: "x"},
		}},
		{"diamond", []workflow.StageDefinition{
			{Name: "a", Agent: "x"},
			{Name: "b", Agent: "x", DependsOn: []string{"a"}},
			{Name: "c", Agent: "x", DependsOn: []string{"a"}},
			{Name: "d", Agent: "x", DependsOn: []string{"b", "c"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testStore(t)
			putTask(t, store, "task-1")
			def := define(t, tt.stages...)

			out, err := New(store, nil, newStageRunner(), Options{}).Run(context.Background(), "task-1", def)
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != OutcomeCompleted {
				t.Errorf("status = %s", out.Status)
			}
			if out.Batches > def.LongestChain() {
				t.Errorf("batches = %d, longest chain = %d", out.Batches, def.LongestChain())
			}
		})
	}
}

func TestRunConcurrencyCap(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")

	var stages []workflow.StageDefinition
	for i := 0; i < 6; i++ {
		stages = append(stages, workflow.StageDefinition{Name: fmt.Sprintf("s%d", i), Agent: "x"})
	}
	def := define(t, stages...)

	var running, peak int32
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return agent.Result{}, nil
	})

	out, err := New(store, nil, runner, Options{MaxParallelStages: 2}).Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCompleted || out.Batches != 1 {
		t.Errorf("status = %s batches = %d", out.Status, out.Batches)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

// countingGate admits the first n batches.
type countingGate struct {
	mu    sync.Mutex
	admit int
}

func (g *countingGate) CanAdmitTask(*domain.Task) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admit <= 0 {
		return false
	}
	g.admit--
	return true
}

func TestRunPauseAndResume(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	def := standard(t)
	runner := newStageRunner()

	gate := &countingGate{admit: 2}
	exec := New(store, nil, runner, Options{Gate: gate})

	out, err := exec.Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomePaused {
		t.Fatalf("status = %s, want paused", out.Status)
	}

	task, _ := store.Get(context.Background(), "task-1")
	if got := task.StagesWithStatus(domain.StageCompleted); fmt.Sprint(got) != "[design plan]" {
		t.Fatalf("completed before pause = %v", got)
	}
	if _, ok := task.StageRecords["implement"]; ok {
		t.Error("no stage may start in a denied batch")
	}

	gate.mu.Lock()
	gate.admit = 10
	gate.mu.Unlock()

	out, err = exec.Run(context.Background(), "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCompleted || out.Batches != 1 {
		t.Errorf("resume: status = %s batches = %d", out.Status, out.Batches)
	}
	for _, stage := range def.Order() {
		if runner.count(stage) != 1 {
			t.Errorf("stage %s ran %d times, want 1", stage, runner.count(stage))
		}
	}
}

func TestRunRelaunchesInterruptedStages(t *testing.T) {
	store := testStore(t)
	task := putTask(t, store, "task-1")
	now := time.Now()
	task.StageRecords["plan"] = domain.StageRecord{StageName: "plan", Agent: "planner", Status: domain.StageCompleted, StartedAt: now, CompletedAt: now}
	task.StageRecords["design"] = domain.StageRecord{StageName: "design", Agent: "architect", Status: domain.StageRunning, StartedAt: now}
	if err := store.Put(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	runner := newStageRunner()
	out, err := New(store, nil, runner, Options{}).Run(context.Background(), "task-1", standard(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if runner.count("plan") != 0 || runner.count("design") != 1 {
		t.Errorf("plan ran %d times, design %d times", runner.count("plan"), runner.count("design"))
	}
}

func TestRunCancellation(t *testing.T) {
	store := testStore(t)
	sink := &recordingSink{}
	putTask(t, store, "task-1")
	def := define(t,
		workflow.StageDefinition{Name: "a", Agent: "x"},
		workflow.StageDefinition{Name: "b", Agent: "y"},
		workflow.StageDefinition{Name: "c", Agent: "z", DependsOn: []string{"a", "b"}},
	)

	inFlight := make(chan struct{}, 2)
	block := func(ctx context.Context) (agent.Result, error) {
		inFlight <- struct{}{}
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	runner := newStageRunner().on("a", block).on("b", block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inFlight
		<-inFlight
		cancel()
	}()

	out, err := New(store, sink, runner, Options{CancelGrace: time.Second}).Run(ctx, "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if fmt.Sprint(out.NeverScheduled) != "[c]" {
		t.Errorf("never scheduled = %v", out.NeverScheduled)
	}

	task, _ := store.Get(context.Background(), "task-1")
	for _, name := range []string{"a", "b"} {
		if task.StageStatus(name) != domain.StageSkipped {
			t.Errorf("stage %s = %s, want skipped", name, task.StageStatus(name))
		}
	}
	if n := len(sink.ofType(events.EventTypeStageParallelCompleted)); n != 1 {
		t.Errorf("parallel-completed must still pair with parallel-started, got %d", n)
	}
	if n := len(sink.ofType(events.EventTypeStageFailed)); n != 0 {
		t.Errorf("cancelled stages must not be reported as failed, got %d", n)
	}
}

func TestRunCancellationGraceAbandonsStages(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	def := define(t, workflow.StageDefinition{Name: "stuck", Agent: "x"})

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	runner := newStageRunner().on("stuck", func(context.Context) (agent.Result, error) {
		close(entered)
		<-release // Ignores cancellation
		return agent.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	start := time.Now()
	out, err := New(store, nil, runner, Options{CancelGrace: 50 * time.Millisecond}).Run(ctx, "task-1", def)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, should be bounded by the grace period", elapsed)
	}
	if out.Status != OutcomeCancelled {
		t.Fatalf("status = %s", out.Status)
	}

	task, _ := store.Get(context.Background(), "task-1")
	rec := task.StageRecords["stuck"]
	if rec.Status != domain.StageSkipped || rec.Error == "" {
		t.Errorf("abandoned stage record = %+v", rec)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	runner := newStageRunner()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := New(store, nil, runner, Options{}).Run(ctx, "task-1", standard(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCancelled || out.Batches != 0 {
		t.Errorf("status = %s batches = %d", out.Status, out.Batches)
	}
	if runner.count("plan") != 0 {
		t.Error("no stage may run after cancellation")
	}
}

type usageRecorder struct {
	mu    sync.Mutex
	total float64
}

func (u *usageRecorder) RecordUsage(_ context.Context, _ string, amount float64) error {
	u.mu.Lock()
	u.total += amount
	u.mu.Unlock()
	return nil
}

func TestRunRecordsUsage(t *testing.T) {
	for _, charge := range []bool{true, false} {
		t.Run(fmt.Sprintf("charge=%v", charge), func(t *testing.T) {
			store := testStore(t)
			putTask(t, store, "task-1")

			runner := agent.RunnerFunc(func(context.Context, agent.Request) (agent.Result, error) {
				return agent.Result{Usage: 2.5}, nil
			})
			recorder := &usageRecorder{}
			opts := Options{
				Usage:       recorder,
				ChargeUsage: func(*domain.Task) bool { return charge },
			}

			if _, err := New(store, nil, runner, opts).Run(context.Background(), "task-1", standard(t)); err != nil {
				t.Fatal(err)
			}

			task, _ := store.Get(context.Background(), "task-1")
			if task.Usage != 10 {
				t.Errorf("task usage = %v, want 10", task.Usage)
			}
			want := 0.0
			if charge {
				want = 10
			}
			if recorder.total != want {
				t.Errorf("recorded usage = %v, want %v", recorder.total, want)
			}
		})
	}
}

func TestRunMissingTask(t *testing.T) {
	store := testStore(t)

	_, err := New(store, nil, newStageRunner(), Options{}).Run(context.Background(), "missing", standard(t))
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected PersistenceError wrapping ErrNotFound, got %v", err)
	}
}

func TestRunRecoversPanickingAgent(t *testing.T) {
	store := testStore(t)
	putTask(t, store, "task-1")
	runner := newStageRunner().on("plan", func(context.Context) (agent.Result, error) {
		panic("nil map")
	})

	out, err := New(store, nil, runner, Options{}).Run(context.Background(), "task-1", standard(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeFailed || fmt.Sprint(out.FailedStages) != "[plan]" {
		t.Errorf("status = %s failed = %v", out.Status, out.FailedStages)
	}
}

func TestRunStopsForTaskCancelledInStore(t *testing.T) {
	store := testStore(t)
	task := putTask(t, store, "task-1")
	task.Status = domain.TaskCancelled
	if err := store.Put(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	runner := newStageRunner()

	out, err := New(store, nil, runner, Options{}).Run(context.Background(), "task-1", standard(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != OutcomeCancelled || runner.count("plan") != 0 {
		t.Errorf("status = %s, plan ran %d times", out.Status, runner.count("plan"))
	}
}
