package workflow

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// StageDefinition is one workflow step bound to an agent.
type StageDefinition struct {
	Name      string   `yaml:"name"`
	Agent     string   `yaml:"agent"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Definition is a named, immutable DAG of stages. Stage order is significant:
// ready stages are launched in definition order.
type Definition struct {
	Name   string            `yaml:"name"`
	Stages []StageDefinition `yaml:"stages"`

	index map[string]int
	order []string
}

// Validate checks stage names and agents, verifies every dependency exists and
// runs a topological sort to reject cycles. It must be called once before the
// definition is used; Registry.Add does this.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow %q has no stages", d.Name)
	}

	index := make(map[string]int, len(d.Stages))
	for i, stage := range d.Stages {
		if stage.Name == "" {
			return fmt.Errorf("workflow %q: stage %d has no name", d.Name, i)
		}
		if stage.Agent == "" {
			return fmt.Errorf("workflow %q: stage %q has no agent", d.Name, stage.Name)
		}
		if _, exists := index[stage.Name]; exists {
			return fmt.Errorf("workflow %q: duplicate stage %q", d.Name, stage.Name)
		}
		index[stage.Name] = i
	}

	for _, stage := range d.Stages {
		for _, dep := range stage.DependsOn {
			if _, exists := index[dep]; !exists {
				return fmt.Errorf("workflow %q: stage %q depends on non-existent stage %q", d.Name, stage.Name, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, stage := range d.Stages {
		if len(stage.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, stage.Name})
			continue
		}
		for _, dep := range stage.DependsOn {
			// Edge (dep, stage) means dep must come before stage
			edges = append(edges, toposort.Edge{dep, stage.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("workflow %q contains cycle: %w", d.Name, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.Stages) {
		found := make(map[string]bool, len(order))
		for _, name := range order {
			found[name] = true
		}
		var missing []string
		for _, stage := range d.Stages {
			if !found[stage.Name] {
				missing = append(missing, stage.Name)
			}
		}
		return fmt.Errorf("workflow %q contains cycle through: %s", d.Name, strings.Join(missing, ", "))
	}

	d.index = index
	d.order = order
	return nil
}

// Stage returns the stage definition with the given name.
func (d *Definition) Stage(name string) (StageDefinition, bool) {
	i, ok := d.index[name]
	if !ok {
		return StageDefinition{}, false
	}
	return d.Stages[i], true
}

// Order returns stage names in a valid topological order.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

// Ready returns, in definition order, every stage that has not completed,
// failed or been launched and whose dependencies have all completed.
// A failed dependency keeps its dependents out of the result forever.
func (d *Definition) Ready(completed, failed, inFlight map[string]bool) []StageDefinition {
	var ready []StageDefinition
	for _, stage := range d.Stages {
		if completed[stage.Name] || failed[stage.Name] || inFlight[stage.Name] {
			continue
		}
		allResolved := true
		for _, dep := range stage.DependsOn {
			if !completed[dep] {
				allResolved = false
				break
			}
		}
		if allResolved {
			ready = append(ready, stage)
		}
	}
	return ready
}

// LongestChain returns the number of stages on the longest dependency chain,
// which bounds the number of batches needed to finish the workflow.
func (d *Definition) LongestChain() int {
	depth := make(map[string]int, len(d.Stages))
	longest := 0
	for _, name := range d.order {
		stage, _ := d.Stage(name)
		level := 1
		for _, dep := range stage.DependsOn {
			if depth[dep]+1 > level {
				level = depth[dep] + 1
			}
		}
		depth[name] = level
		if level > longest {
			longest = level
		}
	}
	return longest
}

// Clone returns a deep copy with validation state carried over.
func (d *Definition) Clone() *Definition {
	cp := &Definition{Name: d.Name, Stages: make([]StageDefinition, len(d.Stages))}
	for i, stage := range d.Stages {
		cp.Stages[i] = StageDefinition{
			Name:      stage.Name,
			Agent:     stage.Agent,
			DependsOn: append([]string(nil), stage.DependsOn...),
		}
	}
	if d.index != nil {
		cp.index = make(map[string]int, len(d.index))
		for k, v := range d.index {
			cp.index[k] = v
		}
		cp.order = append([]string(nil), d.order...)
	}
	return cp
}
