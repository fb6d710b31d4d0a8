// Package capacity tracks resource usage against a time-of-day dependent
// budget and announces when admission capacity changes.
package capacity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/apex/internal/domain"
)

// DayKeyLayout formats the calendar day a budget belongs to.
const DayKeyLayout = "2006-01-02"

// LimitsConfig is the static capacity configuration.
type LimitsConfig struct {
	DailyBudget      float64        // Usage units available per calendar day
	DayThreshold     float64        // Fraction of DailyBudget usable in day mode, (0,1]
	NightThreshold   float64        // Fraction of DailyBudget usable in night mode, (0,1]
	DayStart         string         // "HH:MM" day mode begins
	NightStart       string         // "HH:MM" night mode begins
	MinCheckInterval time.Duration  // Upper bound between wakes
	Location         *time.Location // Zone for boundaries; nil means time.Local
}

// DefaultLimits returns the default capacity configuration.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		DailyBudget:      100,
		DayThreshold:     0.8,
		NightThreshold:   0.95,
		DayStart:         "08:00",
		NightStart:       "20:00",
		MinCheckInterval: 60 * time.Second,
	}
}

// Validate checks the limits for consistency.
func (c LimitsConfig) Validate() error {
	if c.DailyBudget <= 0 {
		return fmt.Errorf("daily budget must be positive, got %v", c.DailyBudget)
	}
	if c.DayThreshold <= 0 || c.DayThreshold > 1 {
		return fmt.Errorf("day threshold must be in (0,1], got %v", c.DayThreshold)
	}
	if c.NightThreshold <= 0 || c.NightThreshold > 1 {
		return fmt.Errorf("night threshold must be in (0,1], got %v", c.NightThreshold)
	}
	day, err := parseClock(c.DayStart)
	if err != nil {
		return fmt.Errorf("day start: %w", err)
	}
	night, err := parseClock(c.NightStart)
	if err != nil {
		return fmt.Errorf("night start: %w", err)
	}
	if day == night {
		return fmt.Errorf("day start and night start must differ, both %s", c.DayStart)
	}
	if c.MinCheckInterval < 0 {
		return fmt.Errorf("min check interval must not be negative, got %s", c.MinCheckInterval)
	}
	return nil
}

// Threshold returns the configured threshold for a mode.
func (c LimitsConfig) Threshold(mode domain.Mode) float64 {
	if mode == domain.ModeNight {
		return c.NightThreshold
	}
	return c.DayThreshold
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Schedule derives time windows and boundaries from a LimitsConfig.
// It is stateless: every answer is a pure function of the instant asked about.
type Schedule struct {
	limits   LimitsConfig
	loc      *time.Location
	dayMin   int
	nightMin int
	day      cron.Schedule
	night    cron.Schedule
	midnight cron.Schedule
}

// NewSchedule validates limits and builds the boundary schedules.
func NewSchedule(limits LimitsConfig) (*Schedule, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	loc := limits.Location
	if loc == nil {
		loc = time.Local
	}

	dayMin, _ := parseClock(limits.DayStart)
	nightMin, _ := parseClock(limits.NightStart)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	day, err := parser.Parse(fmt.Sprintf("%d %d * * *", dayMin%60, dayMin/60))
	if err != nil {
		return nil, fmt.Errorf("day start schedule: %w", err)
	}
	night, err := parser.Parse(fmt.Sprintf("%d %d * * *", nightMin%60, nightMin/60))
	if err != nil {
		return nil, fmt.Errorf("night start schedule: %w", err)
	}
	midnight, err := parser.Parse("0 0 * * *")
	if err != nil {
		return nil, fmt.Errorf("midnight schedule: %w", err)
	}

	return &Schedule{
		limits:   limits,
		loc:      loc,
		dayMin:   dayMin,
		nightMin: nightMin,
		day:      day,
		night:    night,
		midnight: midnight,
	}, nil
}

// Limits returns the configuration the schedule was built from.
func (s *Schedule) Limits() LimitsConfig {
	return s.limits
}

// ModeAt returns the mode in effect at t.
func (s *Schedule) ModeAt(t time.Time) domain.Mode {
	t = t.In(s.loc)
	m := t.Hour()*60 + t.Minute()

	var isDay bool
	if s.dayMin < s.nightMin {
		isDay = m >= s.dayMin && m < s.nightMin
	} else {
		// Day spans midnight
		isDay = m >= s.dayMin || m < s.nightMin
	}
	if isDay {
		return domain.ModeDay
	}
	return domain.ModeNight
}

// WindowAt returns the time window containing t.
func (s *Schedule) WindowAt(t time.Time) domain.TimeWindow {
	t = t.In(s.loc)
	mode := s.ModeAt(t)

	startMin := s.dayMin
	if mode == domain.ModeNight {
		startMin = s.nightMin
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), startMin/60, startMin%60, 0, 0, s.loc)
	if start.After(t) {
		start = start.AddDate(0, 0, -1)
	}

	return domain.TimeWindow{
		Mode:     mode,
		StartsAt: start,
		EndsAt:   s.NextModeSwitch(t),
	}
}

// NextModeSwitch returns the first instant after t where the mode changes.
func (s *Schedule) NextModeSwitch(t time.Time) time.Time {
	t = t.In(s.loc)
	if s.ModeAt(t) == domain.ModeDay {
		return s.night.Next(t)
	}
	return s.day.Next(t)
}

// NextMidnight returns the next calendar-day rollover after t.
func (s *Schedule) NextMidnight(t time.Time) time.Time {
	return s.midnight.Next(t.In(s.loc))
}

// DayKey returns the calendar day t falls on in the schedule's zone.
func (s *Schedule) DayKey(t time.Time) string {
	return t.In(s.loc).Format(DayKeyLayout)
}

// Capacity computes the capacity snapshot for a usage value at t.
func (s *Schedule) Capacity(used float64, t time.Time) domain.CapacityInfo {
	mode := s.ModeAt(t)
	limit := s.limits.DailyBudget * s.limits.Threshold(mode)
	return domain.CapacityInfo{
		WindowID:    s.DayKey(t) + "/" + string(mode),
		Used:        used,
		Limit:       limit,
		ShouldPause: used >= limit,
	}
}
