package prompt

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/taskfactory/internal/agent"
	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// RetryContext describes the attempt being prompted. It lives only for the
// duration of a retry loop and is never persisted.
type RetryContext struct {
	Attempt           int
	MaxAttempts       int
	PreviousErrorCode string
	PreviousError     string
	// FailureExcerpts holds check output from the previous attempt. It is
	// only filled for test, lint and syntax failures.
	FailureExcerpts []string
}

// Options configures a Builder.
type Options struct {
	Template           string
	Workdir            string
	TasksFile          string
	MaxFailureAttempts int
	MaxFailureChars    int
}

// OptionsFromConfig converts the prompt section of a config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Template:           cfg.Prompt.Template,
		Workdir:            cfg.Agent.Workdir,
		TasksFile:          cfg.Project.TasksFile,
		MaxFailureAttempts: cfg.Prompt.MaxFailureAttempts,
		MaxFailureChars:    cfg.Prompt.MaxFailureChars,
	}
}

// Builder renders task prompts from a template.
type Builder struct {
	tmpl string
	opts Options
}

// NewBuilder loads the configured template.
func NewBuilder(opts Options) (*Builder, error) {
	tmpl, err := LoadTemplate(opts.Template, opts.Workdir)
	if err != nil {
		return nil, err
	}
	if opts.MaxFailureAttempts <= 0 {
		opts.MaxFailureAttempts = 2
	}
	if opts.MaxFailureChars <= 0 {
		opts.MaxFailureChars = 4000
	}
	return &Builder{tmpl: tmpl, opts: opts}, nil
}

// Build renders the prompt for t. previous holds the attempts of the current
// retry session; rc may be nil for a first attempt.
func (b *Builder) Build(t tasks.Task, previous []state.TaskAttempt, rc *RetryContext) (string, error) {
	vars := Vars{
		"task_id":           t.ID,
		"task_name":         t.Name,
		"priority":          t.Priority.String(),
		"milestone":         t.Milestone,
		"estimate":          t.Estimate,
		"dependencies":      strings.Join(t.DependsOn, ", "),
		"description":       strings.TrimSpace(t.Body),
		"checklist":         checklist(t),
		"tasks_file":        filepath.Base(b.opts.TasksFile),
		"retry_note":        retryNote(rc),
		"previous_failures": previousFailures(previous, b.opts.MaxFailureAttempts, b.opts.MaxFailureChars),
		"failure_excerpts":  "",
		"complete_marker":   agent.MarkerComplete,
		"failed_marker":     agent.MarkerFailed,
	}
	if rc != nil {
		vars["failure_excerpts"] = boundHead(strings.Join(rc.FailureExcerpts, "\n\n"), b.opts.MaxFailureChars)
	}
	out, err := Render(b.tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", t.ID, err)
	}
	return out, nil
}

func checklist(t tasks.Task) string {
	var sb strings.Builder
	for _, item := range t.Checklist {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", mark, item.Text)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func retryNote(rc *RetryContext) string {
	if rc == nil || rc.Attempt <= 1 {
		return ""
	}
	note := "This is attempt " + strconv.Itoa(rc.Attempt)
	if rc.MaxAttempts > 0 {
		note += " of " + strconv.Itoa(rc.MaxAttempts)
	}
	note += "."
	if rc.PreviousErrorCode != "" {
		note += " The previous attempt failed with " + rc.PreviousErrorCode
		if rc.PreviousError != "" {
			note += ": " + firstLine(rc.PreviousError)
		}
		note += "."
	}
	return note
}

// previousFailures lists the most recent failed attempts, oldest first,
// keeping the newest text when the section exceeds maxChars.
func previousFailures(previous []state.TaskAttempt, maxAttempts, maxChars int) string {
	var failed []state.TaskAttempt
	for _, a := range previous {
		if !a.Success {
			failed = append(failed, a)
		}
	}
	if len(failed) > maxAttempts {
		failed = failed[len(failed)-maxAttempts:]
	}
	var sb strings.Builder
	for _, a := range failed {
		fmt.Fprintf(&sb, "### Attempt %d", a.Number)
		if a.ErrorCode != "" {
			fmt.Fprintf(&sb, " (%s)", a.ErrorCode)
		}
		sb.WriteString("\n")
		if a.Error != "" {
			sb.WriteString(strings.TrimSpace(a.Error))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return boundTail(strings.TrimSpace(sb.String()), maxChars)
}

func boundTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "...(truncated)\n" + s[i:]
}

func boundHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "\n...(truncated)"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
