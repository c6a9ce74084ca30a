// Package hooks runs the shell commands around a task attempt: pre-start
// environment checks, post-done checks and an optional review command.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// Review verdicts recorded on attempts.
const (
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewSkipped  = "skipped"
)

// KindReview marks a failure that came from the review command.
const KindReview = "review"

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, env []string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CheckConfig mirrors config.Check with the fields the runner needs.
type CheckConfig struct {
	Name       string
	Command    string
	Kind       string
	Parser     string
	Timeout    time.Duration
	AutoFix    bool
	FixCommand string
}

// CheckResult holds the structured output of a check run.
type CheckResult struct {
	CheckName  string   `json:"check_name"`
	Kind       string   `json:"kind"`
	Passed     bool     `json:"passed"`
	AutoFixed  bool     `json:"auto_fixed"`
	ExitCode   int      `json:"exit_code"`
	DurationMs int      `json:"duration_ms"`
	Summary    string   `json:"summary"`
	Findings   []string `json:"findings,omitempty"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
}

// PostDoneResult is the verdict of the post-done hook.
type PostDoneResult struct {
	OK bool
	// FailedKind is test, lint, syntax or review for a classified failure,
	// empty otherwise.
	FailedKind     string
	ErrorDetail    string
	ReviewStatus   string
	ReviewFindings string
	// Output is the combined hook output appended to the attempt record.
	Output string
	Checks []CheckResult
}

// Options configures a Runner.
type Options struct {
	Dir           string
	PreStart      []string
	Checks        []CheckConfig
	ReviewCommand string
	ReviewTimeout time.Duration
	Logger        *slog.Logger
}

// OptionsFromConfig converts the hooks section of a config.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Dir:           cfg.Agent.Workdir,
		PreStart:      cfg.Hooks.PreStart,
		ReviewCommand: cfg.Hooks.Review.Command,
		ReviewTimeout: cfg.Hooks.Review.TimeoutDuration(),
	}
	names := make([]string, 0, len(cfg.Hooks.Checks))
	for name := range cfg.Hooks.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Hooks.Checks[name]
		opts.Checks = append(opts.Checks, CheckConfig{
			Name:       name,
			Command:    c.Command,
			Kind:       c.Kind,
			Parser:     c.Parser,
			Timeout:    c.TimeoutDuration(),
			AutoFix:    c.AutoFix,
			FixCommand: c.FixCommand,
		})
	}
	return opts
}

// Runner executes hooks and parses their output.
type Runner struct {
	cmd     CommandRunner
	opts    Options
	parsers map[string]Parser
	log     *slog.Logger
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		cmd:     cmd,
		opts:    opts,
		parsers: make(map[string]Parser),
		log:     logger.With("component", "hooks"),
	}
	r.parsers["generic"] = &GenericParser{}
	r.parsers["gotest"] = &GoTestParser{}
	r.parsers["eslint"] = &ESLintParser{}
	r.parsers["typescript"] = &TypeScriptParser{}
	r.parsers["vitest"] = &VitestParser{}
	return r
}

func taskEnv(t tasks.Task) []string {
	return []string{
		"TASKFACTORY_TASK_ID=" + t.ID,
		"TASKFACTORY_TASK_NAME=" + t.Name,
	}
}

// PreStart runs the pre-start commands in order and fails on the first
// non-zero exit.
func (r *Runner) PreStart(ctx context.Context, t tasks.Task) error {
	for _, command := range r.opts.PreStart {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		stdout, stderr, code, err := r.cmd.Run(cctx, r.opts.Dir, taskEnv(t), command)
		cancel()
		if err != nil {
			return fmt.Errorf("pre-start hook %q: %w", command, err)
		}
		if code != 0 {
			return fmt.Errorf("pre-start hook %q exited %d: %s", command, code, tail(stdout+stderr, 2000))
		}
		r.log.Debug("pre-start hook passed", "task", t.ID, "command", command)
	}
	return nil
}

// PostDone runs every check, then the review command if all checks passed.
func (r *Runner) PostDone(ctx context.Context, t tasks.Task) PostDoneResult {
	res := PostDoneResult{OK: true, ReviewStatus: ReviewSkipped}
	var out strings.Builder

	for _, cfg := range r.opts.Checks {
		cr, err := r.RunCheck(ctx, t, cfg)
		if err != nil {
			res.OK = false
			res.ErrorDetail = fmt.Sprintf("check %s could not run: %v", cfg.Name, err)
			fmt.Fprintf(&out, "== %s ==\n%v\n", cfg.Name, err)
			res.Output = out.String()
			return res
		}
		res.Checks = append(res.Checks, *cr)
		fmt.Fprintf(&out, "== %s (exit %d) ==\n%s\n", cfg.Name, cr.ExitCode, cr.Summary)
		if !cr.Passed {
			res.OK = false
			res.FailedKind = cr.Kind
			res.ErrorDetail = fmt.Sprintf("%s check %s failed: %s", kindLabel(cr.Kind), cr.CheckName, cr.Summary)
			if len(cr.Findings) > 0 {
				out.WriteString(strings.Join(cr.Findings, "\n"))
				out.WriteString("\n")
			}
			res.Output = out.String()
			return res
		}
	}

	if r.opts.ReviewCommand != "" {
		timeout := r.opts.ReviewTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		stdout, stderr, code, err := r.cmd.Run(cctx, r.opts.Dir, taskEnv(t), r.opts.ReviewCommand)
		cancel()
		findings := strings.TrimSpace(tail(stdout+stderr, 4000))
		fmt.Fprintf(&out, "== review (exit %d) ==\n%s\n", code, findings)
		switch {
		case err != nil:
			res.OK = false
			res.ErrorDetail = fmt.Sprintf("review could not run: %v", err)
		case code != 0:
			res.OK = false
			res.FailedKind = KindReview
			res.ReviewStatus = ReviewRejected
			res.ReviewFindings = findings
			res.ErrorDetail = "review rejected: " + firstLine(strings.TrimPrefix(findings, "...(truncated)\n"))
		default:
			res.ReviewStatus = ReviewApproved
			res.ReviewFindings = findings
		}
	}

	res.Output = out.String()
	return res
}

// RunCheck executes a single check, applying auto-fix when configured.
func (r *Runner) RunCheck(ctx context.Context, t tasks.Task, cfg CheckConfig) (*CheckResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	result, err := r.runOnce(ctx, t, cfg, timeout)
	if err != nil {
		return nil, err
	}

	if !result.Passed && cfg.AutoFix && cfg.FixCommand != "" {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		// Fix commands often exit non-zero; only the re-check counts.
		_, _, _, _ = r.cmd.Run(fctx, r.opts.Dir, taskEnv(t), cfg.FixCommand)
		cancel()

		recheck, err := r.runOnce(ctx, t, cfg, timeout)
		if err != nil {
			return nil, fmt.Errorf("re-run after fix: %w", err)
		}
		recheck.AutoFixed = true
		return recheck, nil
	}
	return result, nil
}

func (r *Runner) runOnce(ctx context.Context, t tasks.Task, cfg CheckConfig, timeout time.Duration) (*CheckResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(cctx, r.opts.Dir, taskEnv(t), cfg.Command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &CheckResult{
				CheckName:  cfg.Name,
				Kind:       cfg.Kind,
				Passed:     false,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
				Stdout:     stdout,
				Stderr:     stderr,
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	kind := cfg.Kind
	if parsed.Category != "" {
		kind = parsed.Category
	}
	return &CheckResult{
		CheckName:  cfg.Name,
		Kind:       kind,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Findings:   parsed.Findings,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}

func kindLabel(kind string) string {
	if kind == "" {
		return "post-done"
	}
	return kind
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "...(truncated)\n" + s[i:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
