package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds the loaded, validated workflow definitions. Definitions are
// never mutated after Add; Get hands out clones.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Definition
}

// NewRegistry creates a registry seeded with the built-in workflows.
func NewRegistry() *Registry {
	r := &Registry{workflows: make(map[string]*Definition)}
	for _, def := range DefaultWorkflows() {
		// Built-ins are static and known to be valid
		if err := r.Add(def); err != nil {
			panic(fmt.Sprintf("invalid built-in workflow: %v", err))
		}
	}
	return r
}

// Add validates a definition and registers it, replacing any workflow of the same name.
func (r *Registry) Add(def *Definition) error {
	def = def.Clone()
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[def.Name] = def
	return nil
}

// Get returns the workflow with the given name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a YAML workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &def, nil
}

// LoadDir loads every *.yaml / *.yml file in dir into the registry.
// A missing directory is not an error; an invalid file is.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workflows dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if err := r.Add(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
