package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
project:
  name: my-app
  tasks_file: docs/TASKS.md
  namespace: auth
agent:
  command: claude
  args: ["-p", "--output-format", "json"]
  model: opus
  timeout: 20m
execution:
  max_retries: 4
  base_delay: 2s
  budget_usd: 25
  on_task_failure: skip
  parallel: true
  workers: 2
prompt:
  max_failure_chars: 1000
hooks:
  pre_start:
    - git diff --quiet
  checks:
    test:
      command: go test ./...
      parser: gotest
      timeout: 5m
    vet:
      command: go vet ./...
      kind: lint
  review:
    command: ./scripts/review.sh
git:
  branch_per_task: true
notify:
  url: http://localhost:9999/hook
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskfactory.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Project.Name != "my-app" {
		t.Errorf("Name = %q, want %q", cfg.Project.Name, "my-app")
	}
	if cfg.Project.TasksFile != "docs/TASKS.md" {
		t.Errorf("TasksFile = %q", cfg.Project.TasksFile)
	}
	if cfg.Agent.Model != "opus" || len(cfg.Agent.Args) != 3 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.AgentTimeout() != 20*time.Minute {
		t.Errorf("AgentTimeout = %v, want 20m", cfg.AgentTimeout())
	}
	if cfg.Execution.MaxRetries != 4 || cfg.BaseDelay() != 2*time.Second {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if len(cfg.Hooks.Checks) != 2 {
		t.Errorf("len(Checks) = %d, want 2", len(cfg.Hooks.Checks))
	}
	if !cfg.Git.BranchPerTask {
		t.Error("BranchPerTask should be true")
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Project.StateDir != ".taskfactory" {
		t.Errorf("StateDir = %q, want .taskfactory", cfg.Project.StateDir)
	}
	if cfg.Execution.MaxConsecutiveFailures != 3 {
		t.Errorf("MaxConsecutiveFailures = %d, want 3", cfg.Execution.MaxConsecutiveFailures)
	}
	if cfg.StaleTimeout() != 2*time.Hour {
		t.Errorf("StaleTimeout = %v, want 2h", cfg.StaleTimeout())
	}
	if cfg.Prompt.MaxFailureAttempts != 2 {
		t.Errorf("MaxFailureAttempts = %d, want 2", cfg.Prompt.MaxFailureAttempts)
	}
	if cfg.Prompt.MaxFailureChars != 1000 {
		t.Errorf("MaxFailureChars = %d, want explicit 1000", cfg.Prompt.MaxFailureChars)
	}

	test := cfg.Hooks.Checks["test"]
	if test.Kind != KindTest {
		t.Errorf("test check kind = %q, want inferred %q", test.Kind, KindTest)
	}
	if test.TimeoutDuration() != 5*time.Minute {
		t.Errorf("test timeout = %v", test.TimeoutDuration())
	}
	vet := cfg.Hooks.Checks["vet"]
	if vet.Parser != "generic" || vet.Timeout != "10m" {
		t.Errorf("vet check defaults = %+v", vet)
	}
	if cfg.Hooks.Review.TimeoutDuration() != 10*time.Minute {
		t.Errorf("review timeout = %v", cfg.Hooks.Review.TimeoutDuration())
	}
	if cfg.Git.BranchPrefix != "task/" {
		t.Errorf("BranchPrefix = %q", cfg.Git.BranchPrefix)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.Command != "claude" || len(cfg.Agent.Args) == 0 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Execution.OnTaskFailure != OnFailureStop {
		t.Errorf("OnTaskFailure = %q", cfg.Execution.OnTaskFailure)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "bad policy",
			yaml:  "execution:\n  on_task_failure: retry-forever\n",
			field: "execution.on_task_failure",
		},
		{
			name:  "ask in parallel",
			yaml:  "execution:\n  parallel: true\n  on_task_failure: ask\n",
			field: "execution.on_task_failure",
		},
		{
			name:  "bad duration",
			yaml:  "agent:\n  timeout: forever\n",
			field: "agent.timeout",
		},
		{
			name:  "negative retries",
			yaml:  "execution:\n  max_retries: -1\n",
			field: "execution.max_retries",
		},
		{
			name:  "negative budget",
			yaml:  "execution:\n  budget_usd: -5\n",
			field: "execution.budget_usd",
		},
		{
			name:  "check without command",
			yaml:  "hooks:\n  checks:\n    test:\n      parser: gotest\n",
			field: "hooks.checks.test.command",
		},
		{
			name:  "unknown parser",
			yaml:  "hooks:\n  checks:\n    lint:\n      command: x\n      parser: eslint\n",
			field: "hooks.checks.lint.parser",
		},
		{
			name:  "unknown kind",
			yaml:  "hooks:\n  checks:\n    e2e:\n      command: x\n      kind: browser\n",
			field: "hooks.checks.e2e.kind",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTestConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "agent.command", Message: "is required"}
	if e.Error() != "agent.command: is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "project: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/taskfactory.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadDefaultNotFound(t *testing.T) {
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	_, err := LoadDefault()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadDefault() error = %v, want ErrNotFound", err)
	}
}

func TestLoadDefaultFromCurrentDir(t *testing.T) {
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)

	os.WriteFile(filepath.Join(dir, "taskfactory.yaml"), []byte("project:\n  name: local\n"), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Project.Name != "local" {
		t.Errorf("Name = %q, want %q", cfg.Project.Name, "local")
	}
}

const tomlConfig = `
[project]
name = "my-app"
tasks_file = "docs/TASKS.md"

[agent]
command = "claude"
args = ["-p"]
timeout = "20m"

[execution]
max_retries = 4
on_task_failure = "skip"

[hooks.checks.test]
command = "go test ./..."
parser = "gotest"
`

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskfactory.toml")
	if err := os.WriteFile(path, []byte(tomlConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Project.TasksFile != "docs/TASKS.md" || cfg.Execution.MaxRetries != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.AgentTimeout() != 20*time.Minute {
		t.Errorf("AgentTimeout = %v, want 20m", cfg.AgentTimeout())
	}
	if cfg.Hooks.Checks["test"].Parser != "gotest" {
		t.Errorf("checks = %+v", cfg.Hooks.Checks)
	}
	// Defaults apply the same way as for YAML.
	if cfg.Project.StateDir != ".taskfactory" {
		t.Errorf("StateDir = %q, want default", cfg.Project.StateDir)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskfactory.toml")
	os.WriteFile(path, []byte("[project\nname ="), 0644)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parsing config TOML") {
		t.Errorf("error = %v, want TOML parse error", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, format := range []string{"yaml", "toml"} {
		data, err := Marshal(Default(), format)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", format, err)
		}
		path := filepath.Join(dir, "taskfactory."+format)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", format, err)
		}
		if errs := Validate(cfg); len(errs) != 0 {
			t.Errorf("%s: reloaded default config is invalid: %v", format, errs)
		}
	}
	if _, err := Marshal(Default(), "ini"); err == nil {
		t.Error("expected error for unknown format")
	}
}
