package domain

import "time"

// Mode is the time-of-day mode that selects an admission threshold.
type Mode string

const (
	ModeDay   Mode = "day"
	ModeNight Mode = "night"
)

// TimeWindow is a day or night period derived from wall-clock time and static
// configuration. It is recomputed whenever needed and never stored.
type TimeWindow struct {
	Mode     Mode
	StartsAt time.Time
	EndsAt   time.Time
}

// CapacityInfo is a point-in-time capacity snapshot.
type CapacityInfo struct {
	WindowID    string
	Used        float64
	Limit       float64
	ShouldPause bool
}

// Percent returns Used as a percentage of Limit.
func (c CapacityInfo) Percent() float64 {
	if c.Limit <= 0 {
		return 0
	}
	return c.Used / c.Limit * 100
}

// Reasons attached to capacity:restored events.
const (
	ReasonModeSwitch      = "mode_switch"
	ReasonBudgetReset     = "budget_reset"
	ReasonCapacityDropped = "capacity_dropped"
)

// Reason attached to task:paused when admission was denied at a batch boundary.
const ReasonCapacityExhausted = "capacity_exhausted"
