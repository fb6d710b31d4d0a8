package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stages(specs ...StageDefinition) *Definition {
	return &Definition{Name: "wf", Stages: specs}
}

// TestDefinitionValidate tests validation with various graph structures.
func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name        string
		def         *Definition
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			def: stages(
				StageDefinition{Name: "A", Agent: "x"},
				StageDefinition{Name: "B", Agent: "x", DependsOn: []string{"A"}},
				StageDefinition{Name: "C", Agent: "x", DependsOn: []string{"B"}},
			),
		},
		{
			name: "valid diamond",
			def: stages(
				StageDefinition{Name: "A", Agent: "x"},
				StageDefinition{Name: "B", Agent: "x", DependsOn: []string{"A"}},
				StageDefinition{Name: "C", Agent: "x", DependsOn: []string{"A"}},
				StageDefinition{Name: "D", Agent: "x", DependsOn: []string{"B", "C"}},
			),
		},
		{
			name: "direct cycle",
			def: stages(
				StageDefinition{Name: "A", Agent: "x", DependsOn: []string{"B"}},
				StageDefinition{Name: "B", Agent: "x", DependsOn: []string{"A"}},
			),
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			def: stages(
				StageDefinition{Name: "A", Agent: "x", DependsOn: []string{"C"}},
				StageDefinition{Name: "B", Agent: "x", DependsOn: []string{"A"}},
				StageDefinition{Name: "C", Agent: "x", DependsOn: []string{"B"}},
			),
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			def: stages(
				StageDefinition{Name: "A", Agent: "x", DependsOn: []string{"nonexistent"}},
			),
			wantErr:     true,
			errContains: "nonexistent",
		},
		{
			name: "duplicate stage",
			def: stages(
				StageDefinition{Name: "A", Agent: "x"},
				StageDefinition{Name: "A", Agent: "y"},
			),
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:        "missing agent",
			def:         stages(StageDefinition{Name: "A"}),
			wantErr:     true,
			errContains: "no agent",
		},
		{
			name:        "empty workflow",
			def:         stages(),
			wantErr:     true,
			errContains: "no stages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(tt.def.Order()); got != len(tt.def.Stages) {
				t.Errorf("order has %d stages, want %d", got, len(tt.def.Stages))
			}
		})
	}
}

func TestDefinitionReady(t *testing.T) {
	def := stages(
		StageDefinition{Name: "plan", Agent: "planner"},
		StageDefinition{Name: "design", Agent: "architect", DependsOn: []string{"plan"}},
		StageDefinition{Name: "implement", Agent: "coder", DependsOn: []string{"design"}},
		StageDefinition{Name: "test", Agent: "tester", DependsOn: []string{"design"}},
	)
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ready := def.Ready(map[string]bool{}, map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0].Name != "plan" {
		t.Fatalf("initial ready = %v, want [plan]", ready)
	}

	completed := map[string]bool{"plan": true, "design": true}
	ready = def.Ready(completed, map[string]bool{}, map[string]bool{})
	if len(ready) != 2 || ready[0].Name != "implement" || ready[1].Name != "test" {
		t.Fatalf("ready after design = %v, want [implement test]", ready)
	}

	// Failed dependency excludes dependents
	ready = def.Ready(map[string]bool{"plan": true}, map[string]bool{"design": true}, map[string]bool{})
	if len(ready) != 0 {
		t.Fatalf("ready with failed design = %v, want none", ready)
	}

	// In-flight stages are not ready again
	ready = def.Ready(completed, map[string]bool{}, map[string]bool{"implement": true})
	if len(ready) != 1 || ready[0].Name != "test" {
		t.Fatalf("ready with implement in flight = %v, want [test]", ready)
	}
}

func TestDefinitionLongestChain(t *testing.T) {
	def := stages(
		StageDefinition{Name: "plan", Agent: "p"},
		StageDefinition{Name: "design", Agent: "a", DependsOn: []string{"plan"}},
		StageDefinition{Name: "implement", Agent: "c", DependsOn: []string{"design"}},
		StageDefinition{Name: "test", Agent: "t", DependsOn: []string{"design"}},
		StageDefinition{Name: "docs", Agent: "w"},
	)
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := def.LongestChain(); got != 3 {
		t.Errorf("LongestChain() = %d, want 3", got)
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	def, ok := r.Get("standard")
	if !ok {
		t.Fatal("standard workflow missing")
	}
	if len(def.Stages) != 4 {
		t.Errorf("standard has %d stages, want 4", len(def.Stages))
	}

	// Mutating the returned copy does not affect the registry
	def.Stages[0].Agent = "mutated"
	again, _ := r.Get("standard")
	if again.Stages[0].Agent == "mutated" {
		t.Error("registry definition was mutated through Get")
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()

	valid := `name: docs
stages:
  - name: outline
    agent: writer
  - name: draft
    agent: writer
    depends_on: [outline]
`
	if err := os.WriteFile(filepath.Join(dir, "docs.yaml"), []byte(valid), 0644); err != nil {
		t.Fatal(err)
	}
	unnamed := `stages:
  - name: only
    agent: coder
`
	if err := os.WriteFile(filepath.Join(dir, "quick.yml"), []byte(unnamed), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	def, ok := r.Get("docs")
	if !ok {
		t.Fatal("docs workflow not loaded")
	}
	if stage, ok := def.Stage("draft"); !ok || stage.DependsOn[0] != "outline" {
		t.Errorf("draft stage = %+v", stage)
	}
	if _, ok := r.Get("quick"); !ok {
		t.Error("workflow name not derived from file name")
	}
}

func TestRegistryLoadDir_RejectsCycle(t *testing.T) {
	dir := t.TempDir()
	cyclic := `name: loop
stages:
  - name: a
    agent: x
    depends_on: [b]
  - name: b
    agent: x
    depends_on: [a]
`
	if err := os.WriteFile(filepath.Join(dir, "loop.yaml"), []byte(cyclic), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	err := r.LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if _, ok := r.Get("loop"); ok {
		t.Error("cyclic workflow was registered")
	}
}

func TestRegistryLoadDir_Missing(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadDir(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Errorf("missing dir should not error, got %v", err)
	}
}
