package domain

import (
	"sort"
	"time"
)

// Task is one unit of orchestrated work executing a workflow.
type Task struct {
	ID            string
	WorkflowName  string
	ParentTaskID  string // Empty for top-level tasks
	BranchName    string // Owned by the workspace provider; inherited by subtasks
	WorkspacePath string // Owned by the workspace provider; inherited by subtasks
	Status        TaskStatus
	StageRecords  map[string]StageRecord // Only stages that were actually started
	Usage         float64                // Cumulative resource consumption
	Error         string                 // Terminal failure description
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StageRecord tracks the execution of one stage of a task.
type StageRecord struct {
	StageName   string
	Agent       string
	Status      StageStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	Usage       float64
}

// NewTask creates a queued task.
func NewTask(id, workflowName string, now time.Time) *Task {
	return &Task{
		ID:           id,
		WorkflowName: workflowName,
		Status:       TaskQueued,
		StageRecords: make(map[string]StageRecord),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsSubtask reports whether the task was spawned from a parent task.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != ""
}

// StageStatus returns the status of a stage, StagePending when it never started.
func (t *Task) StageStatus(stage string) StageStatus {
	rec, ok := t.StageRecords[stage]
	if !ok {
		return StagePending
	}
	return rec.Status
}

// Transition moves the task to a new status, enforcing the state machine.
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// StagesWithStatus returns the sorted names of stages whose record has the given status.
func (t *Task) StagesWithStatus(status StageStatus) []string {
	var names []string
	for name, rec := range t.StageRecords {
		if rec.Status == status {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StageRecords = make(map[string]StageRecord, len(t.StageRecords))
	for name, rec := range t.StageRecords {
		cp.StageRecords[name] = rec
	}
	return &cp
}
