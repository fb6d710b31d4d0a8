package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a task does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a request that references unknown workflows, stages
// or tasks, or that targets a task in the wrong state. It is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// WorkspaceProvisionError reports a failed workspace provisioning. It is not
// fatal: the task proceeds without isolation.
type WorkspaceProvisionError struct {
	TaskID string
	Err    error
}

func (e *WorkspaceProvisionError) Error() string {
	return fmt.Sprintf("provisioning workspace for task %s: %v", e.TaskID, e.Err)
}

func (e *WorkspaceProvisionError) Unwrap() error { return e.Err }

// StageExecutionError records that a stage's agent work failed.
type StageExecutionError struct {
	TaskID string
	Stage  string
	Agent  string
	Err    error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q (agent %s) failed: %v", e.Stage, e.Agent, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a TaskStore failure. It is fatal to the operation in progress.
type PersistenceError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CancellationTimeoutError is logged when in-flight stages did not return within
// the cancellation grace period. The task still reaches Cancelled.
type CancellationTimeoutError struct {
	TaskID    string
	Grace     time.Duration
	Abandoned []string
}

func (e *CancellationTimeoutError) Error() string {
	return fmt.Sprintf("task %s: %d stage(s) abandoned after %s cancellation grace: %v",
		e.TaskID, len(e.Abandoned), e.Grace, e.Abandoned)
}

// TransitionError reports an illegal task status transition.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}
