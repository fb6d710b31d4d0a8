package orchestrator

import (
	"sync"
)

// taskLocks provides per-task mutual exclusion for status transitions.
// Uses a keyed mutex pattern: each task ID gets its own mutex, so transitions
// of different tasks never contend while transitions of one task serialize.
type taskLocks struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[string]*taskLock // Per-task mutexes
}

type taskLock struct {
	sync.Mutex
	refs int // Holders plus waiters; the entry is dropped at zero
}

func newTaskLocks() *taskLocks {
	return &taskLocks{
		locks: make(map[string]*taskLock),
	}
}

// Lock acquires the mutex for the given task, creating it on first access.
func (l *taskLocks) Lock(taskID string) {
	l.mu.Lock()
	lock, exists := l.locks[taskID]
	if !exists {
		lock = &taskLock{}
		l.locks[taskID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	// Acquire outside the map lock to avoid contention
	lock.Lock()
}

// Unlock releases the mutex for the given task.
func (l *taskLocks) Unlock(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, exists := l.locks[taskID]
	if !exists {
		return
	}
	lock.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, taskID)
	}
}

// size returns the number of tracked task mutexes.
func (l *taskLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
