// Package config holds the engine configuration. Everything here is
// read-only input: the engine loads it fresh per invocation and never
// writes it back.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mend-engine/mend/internal/budget"
	"github.com/mend-engine/mend/internal/observe"
)

// FileName is the config file looked up in the workspace root.
const FileName = "mend.yaml"

// Config is the full engine configuration. TestCommand is the workspace's
// test suite invocation; actions that require no test regression make the
// verify phase run it.
type Config struct {
	StateDir    string             `yaml:"state_dir"`
	RecipesDir  string             `yaml:"recipes_dir"`
	GatesPath   string             `yaml:"gates_path"`
	TestCommand []string           `yaml:"test_command"`
	Providers   []observe.Provider `yaml:"providers"`
	Budget      budget.Budget      `yaml:"budget"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		StateDir:   ".mend",
		RecipesDir: "recipes",
		GatesPath:  "gates.yaml",
		Budget:     budget.Default(),
	}
}

// Load reads the config from the workspace root. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	return LoadFrom(filepath.Join(workspace, FileName))
}

// LoadFrom reads the config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("config %s: provider %d: missing name", path, i)
		}
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("config %s: provider %q: missing command", path, p.Name)
		}
	}
	return cfg, nil
}

// Paths resolves the engine's state layout for a workspace.
type Paths struct {
	Workspace    string
	StateDir     string
	MetricsDir   string
	LedgerDir    string
	SnapshotsDir string
	Attestations string
	TrustStore   string
	LockFile     string
	RecipesDir   string
	GatesPath    string
}

// Resolve expands the configured locations against the workspace root.
// Absolute configured paths are kept as-is.
func (c *Config) Resolve(workspace string) Paths {
	state := inWorkspace(workspace, c.StateDir)
	return Paths{
		Workspace:    workspace,
		StateDir:     state,
		MetricsDir:   filepath.Join(state, "metrics"),
		LedgerDir:    filepath.Join(state, "ledger"),
		SnapshotsDir: filepath.Join(state, "snapshots"),
		Attestations: filepath.Join(state, "attestations.jsonl"),
		TrustStore:   filepath.Join(state, "trust.json"),
		LockFile:     filepath.Join(state, "lock"),
		RecipesDir:   inWorkspace(workspace, c.RecipesDir),
		GatesPath:    inWorkspace(workspace, c.GatesPath),
	}
}

func inWorkspace(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
