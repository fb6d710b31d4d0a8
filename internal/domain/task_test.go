package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskQueued, TaskRunning, true},
		{TaskQueued, TaskCancelled, true},
		{TaskQueued, TaskPaused, false},
		{TaskQueued, TaskCompleted, false},
		{TaskRunning, TaskPaused, true},
		{TaskPaused, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskQueued, false},
		{TaskPaused, TaskCancelled, true},
		{TaskPaused, TaskCompleted, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskRunning, false},
		{TaskCancelled, TaskQueued, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskTransition_PauseResumeCycles(t *testing.T) {
	now := time.Now()
	task := NewTask("t1", "standard", now)

	if err := task.Transition(TaskRunning, now); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := task.Transition(TaskPaused, now); err != nil {
			t.Fatalf("cycle %d running -> paused: %v", i, err)
		}
		if err := task.Transition(TaskRunning, now); err != nil {
			t.Fatalf("cycle %d paused -> running: %v", i, err)
		}
	}
	if err := task.Transition(TaskCompleted, now); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}

	err := task.Transition(TaskRunning, now)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError from terminal state, got %v", err)
	}
	if task.Status != TaskCompleted {
		t.Errorf("terminal status changed to %s", task.Status)
	}
}

func TestTaskStageStatus(t *testing.T) {
	task := NewTask("t1", "standard", time.Now())
	task.StageRecords["plan"] = StageRecord{StageName: "plan", Status: StageCompleted}

	if got := task.StageStatus("plan"); got != StageCompleted {
		t.Errorf("plan status = %s, want completed", got)
	}
	if got := task.StageStatus("design"); got != StagePending {
		t.Errorf("absent stage status = %s, want pending", got)
	}
}

func TestTaskClone(t *testing.T) {
	task := NewTask("t1", "standard", time.Now())
	task.StageRecords["plan"] = StageRecord{StageName: "plan", Status: StageRunning}

	cp := task.Clone()
	cp.StageRecords["plan"] = StageRecord{StageName: "plan", Status: StageCompleted}
	cp.Status = TaskRunning

	if task.StageStatus("plan") != StageRunning {
		t.Error("mutating clone changed original stage record")
	}
	if task.Status != TaskQueued {
		t.Error("mutating clone changed original status")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&PersistenceError{Op: "put", TaskID: "t1", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("PersistenceError does not unwrap to cause")
	}

	stageErr := error(&StageExecutionError{Stage: "design", Agent: "architect", Err: cause})
	var se *StageExecutionError
	if !errors.As(stageErr, &se) || se.Stage != "design" {
		t.Errorf("errors.As failed for StageExecutionError: %v", stageErr)
	}
}
