package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aristath/apex/internal/admission"
	"github.com/aristath/apex/internal/agent"
	"github.com/aristath/apex/internal/capacity"
)

// Validate checks the configuration for consistency. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.General.MaxParallelStages < 0 {
		errs = append(errs, fmt.Errorf("general.max_parallel_stages must not be negative, got %d", c.General.MaxParallelStages))
	}
	if c.General.CancelGrace.Duration < 0 {
		errs = append(errs, fmt.Errorf("general.cancel_grace must not be negative, got %s", c.General.CancelGrace))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.Workspace.Strategy {
	case "worktree", "none":
	default:
		errs = append(errs, fmt.Errorf("workspace.strategy must be \"worktree\" or \"none\", got %q", c.Workspace.Strategy))
	}

	limits, err := c.CapacityLimits()
	if err == nil {
		err = limits.Validate()
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}

	for name, p := range c.Providers {
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("providers.%s: command is required", name))
		}
	}
	for name, a := range c.Agents {
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", name, a.Provider))
		}
	}

	return errors.Join(errs...)
}

// LogLevel parses general.log_level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.General.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("general.log_level: %w", err)
	}
	return level, nil
}

// CapacityLimits converts the limits section for the capacity monitor.
func (c *Config) CapacityLimits() (capacity.LimitsConfig, error) {
	limits := capacity.LimitsConfig{
		DailyBudget:      c.Limits.DailyBudget,
		DayThreshold:     c.Limits.DayThreshold,
		NightThreshold:   c.Limits.NightThreshold,
		DayStart:         c.Limits.DayStart,
		NightStart:       c.Limits.NightStart,
		MinCheckInterval: c.Limits.MinCheckInterval.Duration,
	}
	if c.Limits.Timezone != "" {
		loc, err := time.LoadLocation(c.Limits.Timezone)
		if err != nil {
			return limits, fmt.Errorf("timezone: %w", err)
		}
		limits.Location = loc
	}
	return limits, nil
}

// AdmissionOptions converts the admission section.
func (c *Config) AdmissionOptions(logger *slog.Logger) admission.Options {
	return admission.Options{
		RecheckEachResume:   c.Admission.RecheckEachResume,
		SubtasksShareBudget: c.Admission.SubtasksShareBudget,
		Logger:              logger,
	}
}

// AgentCommands resolves every agent to the command line of its provider.
func (c *Config) AgentCommands() (map[string]agent.CommandSpec, error) {
	specs := make(map[string]agent.CommandSpec, len(c.Agents))
	for name, a := range c.Agents {
		p, ok := c.Providers[a.Provider]
		if !ok {
			return nil, fmt.Errorf("agent %q: unknown provider %q", name, a.Provider)
		}
		args := make([]string, 0, len(p.Args)+len(a.Args))
		args = append(args, p.Args...)
		args = append(args, a.Args...)
		specs[name] = agent.CommandSpec{Command: p.Command, Args: args}
	}
	return specs, nil
}

// RetryPolicy converts the retry section, keeping the library defaults for
// multiplier and jitter and for any interval left at zero.
func (c *Config) RetryPolicy() agent.RetryConfig {
	policy := agent.DefaultRetryConfig()
	if d := c.Retry.InitialInterval.Duration; d > 0 {
		policy.InitialInterval = d
	}
	if d := c.Retry.MaxInterval.Duration; d > 0 {
		policy.MaxInterval = d
	}
	if d := c.Retry.MaxElapsedTime.Duration; d > 0 {
		policy.MaxElapsedTime = d
	}
	return policy
}

// NoRetryAgents lists the agents configured with no_retry, sorted.
func (c *Config) NoRetryAgents() []string {
	var names []string
	for name, a := range c.Agents {
		if a.NoRetry {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// InMemory reports whether state is kept in memory only.
func (c *Config) InMemory() bool {
	return strings.EqualFold(c.General.DatabasePath, ":memory:")
}
