package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	DatabasePath      string   `toml:"database_path"`       // SQLite file; ":memory:" keeps state in memory
	WorkflowsDir      string   `toml:"workflows_dir"`       // Extra *.yaml workflow definitions
	MaxParallelStages int      `toml:"max_parallel_stages"` // 0 means unbounded
	CancelGrace       Duration `toml:"cancel_grace"`
	LogLevel          string   `toml:"log_level"` // debug, info, warn, error
}

// WorkspaceConfig selects how tasks are isolated.
type WorkspaceConfig struct {
	Strategy          string `toml:"strategy"` // "worktree" or "none"
	RepoPath          string `toml:"repo_path"`
	BaseBranch        string `toml:"base_branch"`
	WorktreeDir       string `toml:"worktree_dir"`
	PreserveOnFailure bool   `toml:"preserve_on_failure"`
}

// LimitsConfig is the capacity budget as written in the config file.
type LimitsConfig struct {
	DailyBudget      float64  `toml:"daily_budget"`
	DayThreshold     float64  `toml:"day_threshold"`
	NightThreshold   float64  `toml:"night_threshold"`
	DayStart         string   `toml:"day_start"`   // HH:MM
	NightStart       string   `toml:"night_start"` // HH:MM
	MinCheckInterval Duration `toml:"min_check_interval"`
	Timezone         string   `toml:"timezone"` // IANA name; empty means local time
}

// AdmissionConfig tunes how waiting tasks are resumed.
type AdmissionConfig struct {
	RecheckEachResume   bool `toml:"recheck_each_resume"`
	SubtasksShareBudget bool `toml:"subtasks_share_budget"`
}

// RetryConfig configures agent retries with exponential backoff.
type RetryConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	MaxElapsedTime  Duration `toml:"max_elapsed_time"`
}

// ProviderConfig defines a transport layer (CLI command and base args).
// Providers are separate from agents: multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args,omitempty"` // Placeholders: {task} {stage} {agent} {branch} {workdir}
}

// AgentConfig defines a role that runs through a provider.
type AgentConfig struct {
	Provider string   `toml:"provider"`       // Key into Providers
	Args     []string `toml:"args,omitempty"` // Appended after the provider's args
	NoRetry  bool     `toml:"no_retry"`       // Attempt once; the breaker still applies
}

// Config is the top-level configuration.
type Config struct {
	General   GeneralConfig             `toml:"general"`
	Workspace WorkspaceConfig           `toml:"workspace"`
	Limits    LimitsConfig              `toml:"limits"`
	Admission AdmissionConfig           `toml:"admission"`
	Retry     RetryConfig               `toml:"retry"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Agents    map[string]AgentConfig    `toml:"agents"`
}
