package domain

// TaskStatus represents the lifecycle state of a task.
//
//	Queued → Running, Cancelled
//	Running → Paused, Completed, Failed, Cancelled
//	Paused → Running, Cancelled
//
// Completed, Failed and Cancelled are terminal.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskPaused, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskQueued: {
		TaskRunning:   true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskPaused:    true,
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskPaused: {
		TaskRunning:   true,
		TaskCancelled: true,
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	return validTransitions[from][to]
}

// StageStatus represents the state of a single workflow stage within a task.
type StageStatus string

const (
	// StagePending is never stored; it is implied by the absence of a record.
	StagePending   StageStatus = "pending"
	StageReady     StageStatus = "ready"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// String implements fmt.Stringer.
func (s StageStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a stage record in this status is frozen.
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}
