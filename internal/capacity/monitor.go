package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/events"
)

// MinWakeDelay is the floor applied to every scheduled wake.
const MinWakeDelay = 100 * time.Millisecond

// UsageStatsProvider reports the usage consumed so far in the current budget period.
type UsageStatsProvider interface {
	UsageSnapshot(ctx context.Context) (float64, error)
}

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the system clock.
var RealClock Clock = realClock{}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

type state struct {
	window   domain.TimeWindow
	capacity domain.CapacityInfo
	at       time.Time
}

// Monitor recomputes capacity at the next boundary where it could change
// (a mode switch, midnight, or the periodic poll) and emits
// capacity:exhausted / capacity:restored on ShouldPause transitions.
// A single timer is pending at any time.
type Monitor struct {
	usage  UsageStatsProvider
	sched  *Schedule
	sink   events.Sink
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	last    state
	timer   Timer
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewMonitor creates a capacity monitor. The limits are validated here.
func NewMonitor(usage UsageStatsProvider, limits LimitsConfig, sink events.Sink, opts ...Option) (*Monitor, error) {
	if usage == nil {
		return nil, errors.New("capacity: usage provider is required")
	}
	sched, err := NewSchedule(limits)
	if err != nil {
		return nil, fmt.Errorf("capacity: %w", err)
	}
	if sink == nil {
		sink = events.Discard
	}

	m := &Monitor{
		usage:  usage,
		sched:  sched,
		sink:   sink,
		clock:  RealClock,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Schedule exposes the window schedule the monitor evaluates.
func (m *Monitor) Schedule() *Schedule {
	return m.sched
}

// Start takes the initial snapshot and schedules the first wake. The monitor
// stops when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("capacity: monitor already started")
	}
	if m.stopped {
		return errors.New("capacity: monitor stopped")
	}

	now := m.clock.Now()
	used, err := m.usage.UsageSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("capacity: initial usage snapshot: %w", err)
	}

	m.ctx = ctx
	m.started = true
	m.last = state{
		window:   m.sched.WindowAt(now),
		capacity: m.sched.Capacity(used, now),
		at:       now,
	}
	m.logger.Info("capacity monitor started",
		slog.String("window", m.last.capacity.WindowID),
		slog.Float64("used", used),
		slog.Float64("limit", m.last.capacity.Limit),
		slog.Bool("should_pause", m.last.capacity.ShouldPause))

	m.scheduleLocked(now)

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.stopCh:
		}
	}()

	return nil
}

// Stop cancels the pending wake. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.stopCh)
}

// Current returns the last computed capacity.
func (m *Monitor) Current() domain.CapacityInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.capacity
}

// Window returns the last computed time window.
func (m *Monitor) Window() domain.TimeWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.window
}

// nextDelay returns how long to sleep from now until the next boundary,
// bounded by the poll interval and floored at MinWakeDelay.
func (m *Monitor) nextDelay(now time.Time) time.Duration {
	d := m.sched.NextModeSwitch(now).Sub(now)
	if untilMidnight := m.sched.NextMidnight(now).Sub(now); untilMidnight < d {
		d = untilMidnight
	}
	if poll := m.sched.Limits().MinCheckInterval; poll > 0 && poll < d {
		d = poll
	}
	if d < MinWakeDelay {
		d = MinWakeDelay
	}
	return d
}

func (m *Monitor) scheduleLocked(now time.Time) {
	if m.stopped {
		return
	}
	delay := m.nextDelay(now)
	m.timer = m.clock.AfterFunc(delay, m.wake)
	m.logger.Debug("capacity wake scheduled", slog.Duration("delay", delay))
}

// wake recomputes capacity, emits on ShouldPause transitions and reschedules.
func (m *Monitor) wake() {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	event := m.evaluateLocked(now)
	m.scheduleLocked(now)
	m.mu.Unlock()

	// Published outside the lock so a synchronous sink may call Current
	if event != nil {
		m.sink.Publish(event)
	}
}

func (m *Monitor) evaluateLocked(now time.Time) events.Event {
	used, err := m.usage.UsageSnapshot(m.ctx)
	if err != nil {
		m.logger.Warn("usage snapshot failed, keeping last capacity", slog.Any("error", err))
		return nil
	}

	prev := m.last
	next := state{
		window:   m.sched.WindowAt(now),
		capacity: m.sched.Capacity(used, now),
		at:       now,
	}
	m.last = next

	switch {
	case !prev.capacity.ShouldPause && next.capacity.ShouldPause:
		return events.CapacityExhaustedEvent{
			Capacity:   next.capacity,
			TimeWindow: next.window,
			Timestamp:  now,
		}
	case prev.capacity.ShouldPause && !next.capacity.ShouldPause:
		return events.CapacityRestoredEvent{
			Reason:           m.restoreReason(prev, next),
			PreviousCapacity: prev.capacity,
			NewCapacity:      next.capacity,
			TimeWindow:       next.window,
			Timestamp:        now,
		}
	}
	return nil
}

func (m *Monitor) restoreReason(prev, next state) string {
	if prev.window.Mode != next.window.Mode {
		return domain.ReasonModeSwitch
	}
	if m.sched.DayKey(prev.at) != m.sched.DayKey(next.at) {
		return domain.ReasonBudgetReset
	}
	return domain.ReasonCapacityDropped
}
