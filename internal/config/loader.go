package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no taskfactory config found")

// Load reads and parses a configuration file and applies defaults to unset
// fields. Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Marshal encodes cfg as "yaml" or "toml".
func Marshal(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(cfg)
	case "toml":
		return toml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unknown config format %q (want yaml or toml)", format)
	}
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./taskfactory.yaml, ./taskfactory.toml,
// ~/.taskfactory/config.yaml, ~/.taskfactory/config.toml
func LoadDefault() (*Config, error) {
	candidates := []string{"taskfactory.yaml", "taskfactory.toml"}

	home, err := os.UserHomeDir()
	if err == nil {
		dir := filepath.Join(home, ".taskfactory")
		candidates = append(candidates, filepath.Join(dir, "config.yaml"), filepath.Join(dir, "config.toml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	p := &cfg.Project
	if p.TasksFile == "" {
		p.TasksFile = "TASKS.md"
	}
	if p.StateDir == "" {
		p.StateDir = ".taskfactory"
	}

	a := &cfg.Agent
	if a.Command == "" {
		a.Command = "claude"
		if a.Args == nil {
			a.Args = []string{"-p", "--output-format", "json", "--dangerously-skip-permissions"}
		}
	}
	if a.Timeout == "" {
		a.Timeout = "30m"
	}
	if a.Workdir == "" {
		a.Workdir = "."
	}

	e := &cfg.Execution
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.BaseDelay == "" {
		e.BaseDelay = "5s"
	}
	if e.MaxConsecutiveFailures == 0 {
		e.MaxConsecutiveFailures = 3
	}
	if e.OnTaskFailure == "" {
		e.OnTaskFailure = OnFailureStop
	}
	if e.Workers == 0 {
		e.Workers = 3
	}
	if e.StaleTimeout == "" {
		e.StaleTimeout = "2h"
	}
	if e.MaxOutputBytes == 0 {
		e.MaxOutputBytes = 50000
	}

	pr := &cfg.Prompt
	if pr.MaxFailureAttempts == 0 {
		pr.MaxFailureAttempts = 2
	}
	if pr.MaxFailureChars == 0 {
		pr.MaxFailureChars = 4000
	}

	for name, c := range cfg.Hooks.Checks {
		if c.Kind == "" && recognizedKinds[name] {
			c.Kind = name
		}
		if c.Parser == "" {
			c.Parser = "generic"
		}
		if c.Timeout == "" {
			c.Timeout = "10m"
		}
		cfg.Hooks.Checks[name] = c
	}
	if cfg.Hooks.Review.Command != "" && cfg.Hooks.Review.Timeout == "" {
		cfg.Hooks.Review.Timeout = "10m"
	}

	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = "task/"
	}
	if cfg.Notify.Timeout == "" {
		cfg.Notify.Timeout = "5s"
	}
}
