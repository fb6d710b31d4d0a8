package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aristath/apex/internal/config"
	"github.com/aristath/apex/internal/domain"
)

// testConfig runs every agent through a shell one-liner that reports one unit
// of usage.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.General.DatabasePath = ":memory:"
	cfg.General.WorkflowsDir = t.TempDir()
	cfg.Workspace.Strategy = "none"
	cfg.Providers = map[string]config.ProviderConfig{
		"sh": {Command: "sh", Args: []string{"-c", `echo '{"output": "{stage} done", "usage": 1}'`}},
	}
	for name := range cfg.Agents {
		cfg.Agents[name] = config.AgentConfig{Provider: "sh"}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() {
		if err := a.close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return a
}

func TestAppRunsWorkflowToCompletion(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	task, err := a.orch.CreateTask(ctx, "standard", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := a.orch.ExecuteTask(ctx, task.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if err := a.awaitTerminal(ctx, []string{task.ID}); err != nil {
		t.Fatalf("awaitTerminal: %v", err)
	}

	got, err := a.orch.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed (error %q)", got.Status, got.Error)
	}
	if len(got.StageRecords) != 4 {
		t.Errorf("stage records = %d, want 4", len(got.StageRecords))
	}
	if got.Usage != 4 {
		t.Errorf("usage = %v, want 4", got.Usage)
	}
	if used, _ := a.ledger.UsageSnapshot(ctx); used != 4 {
		t.Errorf("ledger usage = %v, want 4", used)
	}

	var out bytes.Buffer
	def, _ := a.workflows.Get("standard")
	renderTask(&out, got, def)
	for _, want := range []string{task.ID, "completed", "plan", "implement", "4/4"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("rendered task missing %q:\n%s", want, out.String())
		}
	}
}

func TestAppAwaitTerminalReturnsForFinishedTasks(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := a.orch.CreateTask(ctx, "review", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.orch.CancelTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	// Already terminal before the subscription exists
	if err := a.awaitTerminal(ctx, []string{task.ID}); err != nil {
		t.Fatalf("awaitTerminal: %v", err)
	}
}

func TestAppRejectsUnknownWorkflow(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	_, err := a.orch.CreateTask(context.Background(), "nope", "")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}
