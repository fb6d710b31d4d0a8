package events

import (
	"time"

	"github.com/aristath/apex/internal/domain"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Topic() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicStage    = "stage"
	TopicCapacity = "capacity"
)

// Event type constants
const (
	EventTypeTaskCreated            = "task:created"
	EventTypeTaskStarted            = "task:started"
	EventTypeTaskPaused             = "task:paused"
	EventTypeTaskResumed            = "task:resumed"
	EventTypeTaskCompleted          = "task:completed"
	EventTypeTaskFailed             = "task:failed"
	EventTypeTaskCancelled          = "task:cancelled"
	EventTypeStageStarted           = "stage:started"
	EventTypeStageCompleted         = "stage:completed"
	EventTypeStageFailed            = "stage:failed"
	EventTypeStageParallelStarted   = "stage:parallel-started"
	EventTypeStageParallelCompleted = "stage:parallel-completed"
	EventTypeCapacityRestored       = "capacity:restored"
	EventTypeCapacityExhausted      = "capacity:exhausted"
)

// TaskCreatedEvent is published when a task is created.
type TaskCreatedEvent struct {
	Task      *domain.Task
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.Task.ID }
func (e TaskCreatedEvent) Topic() string     { return TopicTask }

// TaskStartedEvent is published when a task is first admitted and begins execution.
type TaskStartedEvent struct {
	Task      *domain.Task
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.Task.ID }
func (e TaskStartedEvent) Topic() string     { return TopicTask }

// TaskPausedEvent is published when a task is paused at a batch boundary.
type TaskPausedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskPausedEvent) EventType() string { return EventTypeTaskPaused }
func (e TaskPausedEvent) TaskID() string    { return e.ID }
func (e TaskPausedEvent) Topic() string     { return TopicTask }

// TaskResumedEvent is published when a paused task re-enters execution.
type TaskResumedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskResumedEvent) EventType() string { return EventTypeTaskResumed }
func (e TaskResumedEvent) TaskID() string    { return e.ID }
func (e TaskResumedEvent) Topic() string     { return TopicTask }

// TaskCompletedEvent is published when every stage of a task completed.
type TaskCompletedEvent struct {
	Task      *domain.Task
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.Task.ID }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }

// TaskFailedEvent is published when a task fails. Stage names which failed are
// listed so operators can see which stage broke the workflow.
type TaskFailedEvent struct {
	Task         *domain.Task
	FailedStages []string
	Err          error
	Timestamp    time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.Task.ID }
func (e TaskFailedEvent) Topic() string     { return TopicTask }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	Task      *domain.Task
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.Task.ID }
func (e TaskCancelledEvent) Topic() string     { return TopicTask }

// StageStartedEvent is published when a stage is launched.
type StageStartedEvent struct {
	ID        string
	Stage     string
	Agent     string
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) TaskID() string    { return e.ID }
func (e StageStartedEvent) Topic() string     { return TopicStage }

// StageCompletedEvent is published when a stage completes successfully.
type StageCompletedEvent struct {
	ID        string
	Stage     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageCompletedEvent) EventType() string { return EventTypeStageCompleted }
func (e StageCompletedEvent) TaskID() string    { return e.ID }
func (e StageCompletedEvent) Topic() string     { return TopicStage }

// StageFailedEvent is published when a stage's agent work fails.
type StageFailedEvent struct {
	ID        string
	Stage     string
	Err       error
	Timestamp time.Time
}

func (e StageFailedEvent) EventType() string { return EventTypeStageFailed }
func (e StageFailedEvent) TaskID() string    { return e.ID }
func (e StageFailedEvent) Topic() string     { return TopicStage }

// StageParallelStartedEvent is published once per batch with more than one stage.
type StageParallelStartedEvent struct {
	ID        string
	Stages    []string
	Agents    []string
	Timestamp time.Time
}

func (e StageParallelStartedEvent) EventType() string { return EventTypeStageParallelStarted }
func (e StageParallelStartedEvent) TaskID() string    { return e.ID }
func (e StageParallelStartedEvent) Topic() string     { return TopicStage }

// StageParallelCompletedEvent closes the batch opened by StageParallelStartedEvent.
type StageParallelCompletedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e StageParallelCompletedEvent) EventType() string { return EventTypeStageParallelCompleted }
func (e StageParallelCompletedEvent) TaskID() string    { return e.ID }
func (e StageParallelCompletedEvent) Topic() string     { return TopicStage }

// CapacityRestoredEvent is published when admission becomes possible again.
type CapacityRestoredEvent struct {
	Reason           string // One of the domain.Reason* constants
	PreviousCapacity domain.CapacityInfo
	NewCapacity      domain.CapacityInfo
	TimeWindow       domain.TimeWindow
	Timestamp        time.Time
}

func (e CapacityRestoredEvent) EventType() string { return EventTypeCapacityRestored }
func (e CapacityRestoredEvent) TaskID() string    { return "" }
func (e CapacityRestoredEvent) Topic() string     { return TopicCapacity }

// CapacityExhaustedEvent is published when admission becomes denied.
type CapacityExhaustedEvent struct {
	Capacity   domain.CapacityInfo
	TimeWindow domain.TimeWindow
	Timestamp  time.Time
}

func (e CapacityExhaustedEvent) EventType() string { return EventTypeCapacityExhausted }
func (e CapacityExhaustedEvent) TaskID() string    { return "" }
func (e CapacityExhaustedEvent) Topic() string     { return TopicCapacity }
