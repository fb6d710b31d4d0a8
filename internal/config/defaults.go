package config

import "time"

// DefaultConfig returns the default configuration with a built-in provider and
// the agents the built-in workflows reference.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DatabasePath:      ".apex/apex.db",
			WorkflowsDir:      ".apex/workflows",
			MaxParallelStages: 4,
			CancelGrace:       Duration{10 * time.Second},
			LogLevel:          "info",
		},
		Workspace: WorkspaceConfig{
			Strategy:    "worktree",
			RepoPath:    ".",
			BaseBranch:  "main",
			WorktreeDir: ".worktrees",
		},
		Limits: LimitsConfig{
			DailyBudget:      100,
			DayThreshold:     0.8,
			NightThreshold:   0.95,
			DayStart:         "08:00",
			NightStart:       "20:00",
			MinCheckInterval: Duration{60 * time.Second},
		},
		Admission: AdmissionConfig{
			RecheckEachResume:   true,
			SubtasksShareBudget: true,
		},
		Retry: RetryConfig{
			InitialInterval: Duration{100 * time.Millisecond},
			MaxInterval:     Duration{10 * time.Second},
			MaxElapsedTime:  Duration{2 * time.Minute},
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Args:    []string{"--print", "Act as the {agent} for stage {stage} of task {task}."},
			},
		},
		Agents: map[string]AgentConfig{
			"planner":   {Provider: "claude"},
			"architect": {Provider: "claude"},
			"coder":     {Provider: "claude"},
			"reviewer":  {Provider: "claude"},
			"tester":    {Provider: "claude"},
		},
	}
}
