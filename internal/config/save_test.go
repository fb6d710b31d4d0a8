package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.toml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}

	// Valid TOML with durations written as strings
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("config file contains invalid TOML: %v", err)
	}
	general := raw["general"].(map[string]any)
	if general["cancel_grace"] != "10s" {
		t.Errorf("cancel_grace = %v, want \"10s\"", general["cancel_grace"])
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.General.MaxParallelStages = 7
	cfg.Limits.MinCheckInterval = Duration{90 * time.Second}
	cfg.Limits.Timezone = "Europe/Athens"
	cfg.Admission.SubtasksShareBudget = false
	cfg.Workspace.PreserveOnFailure = true
	cfg.Providers["goose"] = ProviderConfig{Command: "goose", Args: []string{"--verbose"}}
	cfg.Agents["reviewer"] = AgentConfig{Provider: "goose", NoRetry: true}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.General.MaxParallelStages != 7 {
		t.Errorf("max_parallel_stages = %d", loaded.General.MaxParallelStages)
	}
	if loaded.Limits.MinCheckInterval.Duration != 90*time.Second || loaded.Limits.Timezone != "Europe/Athens" {
		t.Errorf("limits = %+v", loaded.Limits)
	}
	if loaded.Admission.SubtasksShareBudget || !loaded.Workspace.PreserveOnFailure {
		t.Errorf("booleans lost: %+v %+v", loaded.Admission, loaded.Workspace)
	}
	if args := loaded.Providers["goose"].Args; len(args) != 1 || args[0] != "--verbose" {
		t.Errorf("goose args = %v", args)
	}
	if a := loaded.Agents["reviewer"]; a.Provider != "goose" || !a.NoRetry {
		t.Errorf("reviewer = %+v", a)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	first := DefaultConfig()
	first.Workspace.BaseBranch = "first"
	if err := Save(first, path); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	second := DefaultConfig()
	second.Workspace.BaseBranch = "second"
	if err := Save(second, path); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Workspace.BaseBranch != "second" {
		t.Errorf("base_branch = %q, want second", loaded.Workspace.BaseBranch)
	}
}
