// Package agent invokes the external coding agent as a subprocess and
// interprets its output.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/taskfactory/internal/config"
)

// ErrTimeout is returned when the agent exceeds its time limit.
var ErrTimeout = errors.New("agent timed out")

// CommandContext creates the agent process. Tests replace it.
var CommandContext = exec.CommandContext

// Request is one agent invocation.
type Request struct {
	Prompt  string
	Workdir string
	Timeout time.Duration
	Env     []string
}

// Result is the raw outcome of an invocation. Text is the agent's final
// message when the output was a JSON result event, otherwise stdout.
type Result struct {
	Stdout   string
	Stderr   string
	Text     string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	IsError  bool
	Usage    Usage
}

// Output is the text recorded as the attempt's raw output.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n--- stderr ---\n" + r.Stderr
}

// Runner runs the agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// ExecRunner runs a configured command, writing the prompt to its stdin.
type ExecRunner struct {
	Command string
	Args    []string
	Model   string
	Logger  *slog.Logger
}

// NewExecRunner builds a runner from the agent section of a config.
func NewExecRunner(cfg *config.Config, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExecRunner{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Model:   cfg.Agent.Model,
		Logger:  logger.With("component", "agent"),
	}
}

// Run executes the agent. A non-zero exit is not an error; it is reported
// in Result.ExitCode. Timeouts return ErrTimeout together with the partial
// result, and cancellation of ctx returns ctx.Err().
func (r *ExecRunner) Run(ctx context.Context, req Request) (*Result, error) {
	cctx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string(nil), r.Args...)
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	cmd := CommandContext(cctx, r.Command, args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(req.Prompt)
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.logger()
	log.Debug("starting agent", "command", r.Command, "dir", req.Workdir, "timeout", req.Timeout)
	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	ev := ParseResultEvent(res.Stdout)
	res.Text, res.Usage, res.IsError = ev.Text, ev.Usage, ev.IsError

	if err != nil {
		switch {
		case ctx.Err() != nil:
			res.ExitCode = -1
			return res, ctx.Err()
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			res.ExitCode = -1
			res.TimedOut = true
			log.Warn("agent timed out", "after", req.Timeout)
			return res, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("start agent %q: %w", r.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	log.Debug("agent exited", "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}
