package capacity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LedgerStore persists daily usage totals.
type LedgerStore interface {
	LoadUsage(ctx context.Context, day string) (float64, error)
	SaveUsage(ctx context.Context, day string, used float64) error
}

// Ledger records usage per calendar day and resets at midnight. It serves
// as the monitor's UsageStatsProvider and the executor's usage recorder.
// Thread-safe.
type Ledger struct {
	mu     sync.Mutex
	store  LedgerStore // Optional
	loc    *time.Location
	clock  Clock
	dayKey string
	used   float64
	tasks  map[string]float64
}

// NewLedger creates a ledger and loads today's total from store when one is
// given. A nil loc means time.Local; a nil clock means the system clock.
func NewLedger(ctx context.Context, store LedgerStore, loc *time.Location, clock Clock) (*Ledger, error) {
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = RealClock
	}

	l := &Ledger{
		store:  store,
		loc:    loc,
		clock:  clock,
		dayKey: clock.Now().In(loc).Format(DayKeyLayout),
		tasks:  make(map[string]float64),
	}

	if store != nil {
		used, err := store.LoadUsage(ctx, l.dayKey)
		if err != nil {
			return nil, fmt.Errorf("loading usage for %s: %w", l.dayKey, err)
		}
		l.used = used
	}
	return l, nil
}

// RecordUsage charges amount against today's budget on behalf of a task.
func (l *Ledger) RecordUsage(ctx context.Context, taskID string, amount float64) error {
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset()
	l.used += amount
	l.tasks[taskID] += amount

	if l.store != nil {
		if err := l.store.SaveUsage(ctx, l.dayKey, l.used); err != nil {
			return fmt.Errorf("saving usage for %s: %w", l.dayKey, err)
		}
	}
	return nil
}

// UsageSnapshot implements UsageStatsProvider.
func (l *Ledger) UsageSnapshot(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset()
	return l.used, nil
}

// TaskUsage returns what a task was charged since the last reset.
func (l *Ledger) TaskUsage(taskID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset()
	return l.tasks[taskID]
}

// maybeReset starts a fresh day when the date has changed. Caller holds mu.
func (l *Ledger) maybeReset() {
	today := l.clock.Now().In(l.loc).Format(DayKeyLayout)
	if today == l.dayKey {
		return
	}
	l.dayKey = today
	l.used = 0
	l.tasks = make(map[string]float64)
}
