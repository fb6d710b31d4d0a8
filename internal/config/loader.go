package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Sections merge field by field; providers and agents merge by name, a named
// entry replacing the earlier one whole. Missing files are not errors;
// malformed TOML or unknown keys return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalPath returns ~/.apex/config.toml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".apex", "config.toml"), nil
}

// ProjectPath is the project config, relative to the working directory.
const ProjectPath = ".apex/config.toml"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.apex/config.toml
// Project: .apex/config.toml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath)
}

// mergeConfigFile decodes a TOML file on top of base.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Keys absent from the file keep the value of the layer below
	layer := *base
	layer.Providers = nil
	layer.Agents = nil

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&layer); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("parsing %s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	providers := base.Providers
	if providers == nil {
		providers = make(map[string]ProviderConfig)
	}
	for name, provider := range layer.Providers {
		providers[name] = provider
	}

	agents := base.Agents
	if agents == nil {
		agents = make(map[string]AgentConfig)
	}
	for name, a := range layer.Agents {
		agents[name] = a
	}

	*base = layer
	base.Providers = providers
	base.Agents = agents
	return nil
}
