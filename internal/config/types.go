package config

import "time"

// Config is the top-level configuration parsed from taskfactory.yaml or
// taskfactory.toml.
type Config struct {
	Project   Project   `yaml:"project" toml:"project"`
	Agent     Agent     `yaml:"agent" toml:"agent"`
	Execution Execution `yaml:"execution" toml:"execution"`
	Prompt    Prompt    `yaml:"prompt" toml:"prompt"`
	Hooks     Hooks     `yaml:"hooks" toml:"hooks"`
	Git       Git       `yaml:"git" toml:"git"`
	Notify    Notify    `yaml:"notify" toml:"notify"`
}

// Project locates the task file and the state directory.
type Project struct {
	Name      string `yaml:"name" toml:"name"`
	TasksFile string `yaml:"tasks_file" toml:"tasks_file"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	// Namespace selects a separate state store inside StateDir, so several
	// task files can share one directory.
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// Agent describes how the external agent CLI is invoked. The prompt is
// written to the process's stdin.
type Agent struct {
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Model   string   `yaml:"model" toml:"model"`
	Timeout string   `yaml:"timeout" toml:"timeout"`
	Workdir string   `yaml:"workdir" toml:"workdir"`
}

// Execution holds retry, budget and concurrency settings.
type Execution struct {
	MaxRetries             int     `yaml:"max_retries" toml:"max_retries"`
	BaseDelay              string  `yaml:"base_delay" toml:"base_delay"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" toml:"max_consecutive_failures"`
	BudgetUSD              float64 `yaml:"budget_usd" toml:"budget_usd"`
	TaskBudgetUSD          float64 `yaml:"task_budget_usd" toml:"task_budget_usd"`
	OnTaskFailure          string  `yaml:"on_task_failure" toml:"on_task_failure"`
	IncludeInProgress      bool    `yaml:"include_in_progress" toml:"include_in_progress"`
	Parallel               bool    `yaml:"parallel" toml:"parallel"`
	Workers                int     `yaml:"workers" toml:"workers"`
	StaleTimeout           string  `yaml:"stale_timeout" toml:"stale_timeout"`
	MaxOutputBytes         int     `yaml:"max_output_bytes" toml:"max_output_bytes"`
}

// Prompt configures prompt rendering.
type Prompt struct {
	Template           string `yaml:"template" toml:"template"`
	MaxFailureAttempts int    `yaml:"max_failure_attempts" toml:"max_failure_attempts"`
	MaxFailureChars    int    `yaml:"max_failure_chars" toml:"max_failure_chars"`
}

// Hooks are shell commands run around each attempt.
type Hooks struct {
	PreStart []string         `yaml:"pre_start" toml:"pre_start"`
	Checks   map[string]Check `yaml:"checks" toml:"checks"`
	Review   Review           `yaml:"review" toml:"review"`
}

// Check is a post-done command whose failure rejects an attempt.
type Check struct {
	Command    string `yaml:"command" toml:"command"`
	Kind       string `yaml:"kind" toml:"kind"`
	Parser     string `yaml:"parser" toml:"parser"`
	Timeout    string `yaml:"timeout" toml:"timeout"`
	FixCommand string `yaml:"fix_command" toml:"fix_command"`
	AutoFix    bool   `yaml:"auto_fix" toml:"auto_fix"`
}

// Review is an optional reviewer command run after the checks pass. Exit
// status 0 approves.
type Review struct {
	Command string `yaml:"command" toml:"command"`
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// Git controls the branch-per-task hook.
type Git struct {
	BranchPerTask bool   `yaml:"branch_per_task" toml:"branch_per_task"`
	BranchPrefix  string `yaml:"branch_prefix" toml:"branch_prefix"`
}

// Notify configures the status callback.
type Notify struct {
	URL     string `yaml:"url" toml:"url"`
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// Failure policies applied when a task exhausts its retries.
const (
	OnFailureStop = "stop"
	OnFailureSkip = "skip"
	OnFailureAsk  = "ask"
)

// Check kinds. The kind decides the error code of a failed check.
const (
	KindTest   = "test"
	KindLint   = "lint"
	KindSyntax = "syntax"
)

// AgentTimeout returns the parsed agent timeout.
func (c *Config) AgentTimeout() time.Duration { return mustDuration(c.Agent.Timeout) }

// BaseDelay returns the parsed linear backoff unit.
func (c *Config) BaseDelay() time.Duration { return mustDuration(c.Execution.BaseDelay) }

// StaleTimeout returns the parsed stale-run threshold.
func (c *Config) StaleTimeout() time.Duration { return mustDuration(c.Execution.StaleTimeout) }

// NotifyTimeout returns the parsed callback timeout.
func (c *Config) NotifyTimeout() time.Duration { return mustDuration(c.Notify.Timeout) }

// TimeoutDuration returns the parsed timeout of a check.
func (c Check) TimeoutDuration() time.Duration { return mustDuration(c.Timeout) }

// TimeoutDuration returns the parsed review timeout.
func (r Review) TimeoutDuration() time.Duration { return mustDuration(r.Timeout) }

// mustDuration parses a duration already accepted by Validate. Invalid
// values yield zero.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
