package config

import (
	"fmt"
	"sort"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for checks.
var recognizedParsers = map[string]bool{
	"generic":    true,
	"gotest":     true,
	"eslint":     true,
	"typescript": true,
	"vitest":     true,
}

var recognizedKinds = map[string]bool{
	KindTest:   true,
	KindLint:   true,
	KindSyntax: true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Project.TasksFile == "" {
		add("project.tasks_file", "is required")
	}
	if cfg.Agent.Command == "" {
		add("agent.command", "is required")
	}

	durations := []struct{ field, value string }{
		{"agent.timeout", cfg.Agent.Timeout},
		{"execution.base_delay", cfg.Execution.BaseDelay},
		{"execution.stale_timeout", cfg.Execution.StaleTimeout},
		{"notify.timeout", cfg.Notify.Timeout},
		{"hooks.review.timeout", cfg.Hooks.Review.Timeout},
	}
	for _, d := range durations {
		validateDuration(d.field, d.value, &errs)
	}

	e := cfg.Execution
	if e.MaxRetries < 1 {
		add("execution.max_retries", "must be at least 1, got %d", e.MaxRetries)
	}
	if e.MaxConsecutiveFailures < 0 {
		add("execution.max_consecutive_failures", "must not be negative")
	}
	if e.BudgetUSD < 0 {
		add("execution.budget_usd", "must not be negative")
	}
	if e.TaskBudgetUSD < 0 {
		add("execution.task_budget_usd", "must not be negative")
	}
	if e.MaxOutputBytes < 0 {
		add("execution.max_output_bytes", "must not be negative")
	}
	switch e.OnTaskFailure {
	case OnFailureStop, OnFailureSkip, OnFailureAsk:
	default:
		add("execution.on_task_failure", "must be one of stop, skip, ask; got %q", e.OnTaskFailure)
	}
	if e.Parallel {
		if e.Workers < 1 {
			add("execution.workers", "must be at least 1 in parallel mode, got %d", e.Workers)
		}
		if e.OnTaskFailure == OnFailureAsk {
			add("execution.on_task_failure", "ask is not allowed in parallel mode")
		}
	}

	if cfg.Prompt.MaxFailureAttempts < 0 {
		add("prompt.max_failure_attempts", "must not be negative")
	}
	if cfg.Prompt.MaxFailureChars < 0 {
		add("prompt.max_failure_chars", "must not be negative")
	}

	names := make([]string, 0, len(cfg.Hooks.Checks))
	for name := range cfg.Hooks.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Hooks.Checks[name]
		prefix := fmt.Sprintf("hooks.checks.%s", name)
		if c.Command == "" {
			add(prefix+".command", "is required")
		}
		if c.Parser != "" && !recognizedParsers[c.Parser] {
			add(prefix+".parser", "unrecognized parser %q", c.Parser)
		}
		if c.Kind != "" && !recognizedKinds[c.Kind] {
			add(prefix+".kind", "must be one of test, lint, syntax; got %q", c.Kind)
		}
		if c.AutoFix && c.FixCommand == "" {
			add(prefix+".fix_command", "is required when auto_fix is set")
		}
		validateDuration(prefix+".timeout", c.Timeout, &errs)
	}

	return errs
}

func validateDuration(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d < 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must not be negative"})
	}
}
