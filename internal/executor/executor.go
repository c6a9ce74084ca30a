// Package executor runs single task attempts and drives the retry loop
// around them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/taskfactory/internal/agent"
	"github.com/lucasnoah/taskfactory/internal/artifact"
	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/db"
	"github.com/lucasnoah/taskfactory/internal/hooks"
	"github.com/lucasnoah/taskfactory/internal/notify"
	"github.com/lucasnoah/taskfactory/internal/prompt"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// AttemptResult is the outcome of a single attempt.
type AttemptResult int

const (
	AttemptSuccess AttemptResult = iota
	AttemptFailure
	AttemptRateLimited
	// AttemptHookError means the pre-start hook failed. It is never retried.
	AttemptHookError
)

func (r AttemptResult) String() string {
	switch r {
	case AttemptSuccess:
		return "success"
	case AttemptFailure:
		return "failure"
	case AttemptRateLimited:
		return "rate_limited"
	case AttemptHookError:
		return "hook_error"
	}
	return fmt.Sprintf("AttemptResult(%d)", int(r))
}

// Hooks runs the commands around an attempt.
type Hooks interface {
	PreStart(ctx context.Context, t tasks.Task) error
	PostDone(ctx context.Context, t tasks.Task) hooks.PostDoneResult
}

// PromptBuilder renders the prompt for an attempt.
type PromptBuilder interface {
	Build(t tasks.Task, previous []state.TaskAttempt, rc *prompt.RetryContext) (string, error)
}

// TaskSource is the writable task file.
type TaskSource interface {
	UpdateStatus(id string, status tasks.Status) error
	MarkChecklistDone(id string) error
}

// Brancher switches the working tree to a per-task branch.
type Brancher interface {
	Checkout(ctx context.Context, t tasks.Task) (string, error)
}

// Deps are the collaborators of an Executor. Artifacts and Notifier are
// optional.
type Deps struct {
	State     *state.ExecutorState
	Source    TaskSource
	Hooks     Hooks
	Prompt    PromptBuilder
	Agent     agent.Runner
	Artifacts *artifact.Store
	Notifier  notify.Notifier
}

// Options configures an Executor.
type Options struct {
	MaxRetries    int
	BaseDelay     time.Duration
	AgentTimeout  time.Duration
	Workdir       string
	TaskBudgetUSD float64
	OnTaskFailure string
	Logger        *slog.Logger
}

// OptionsFromConfig converts the execution and agent sections of a config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:    cfg.Execution.MaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		AgentTimeout:  cfg.AgentTimeout(),
		Workdir:       cfg.Agent.Workdir,
		TaskBudgetUSD: cfg.Execution.TaskBudgetUSD,
		OnTaskFailure: cfg.Execution.OnTaskFailure,
	}
}

// Executor runs task attempts. It is safe for concurrent use on distinct
// tasks.
type Executor struct {
	deps     Deps
	opts     Options
	log      *slog.Logger
	sleeper  Sleeper
	prompter Prompter
	brancher Brancher
	progress io.Writer
	now      func() time.Time

	mu       sync.Mutex
	findings map[string][]string
}

// New creates an Executor.
func New(deps Deps, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.OnTaskFailure == "" {
		opts.OnTaskFailure = config.OnFailureStop
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Executor{
		deps:     deps,
		opts:     opts,
		log:      logger.With("component", "executor"),
		sleeper:  realSleeper{},
		now:      time.Now,
		findings: make(map[string][]string),
	}
}

// SetSleeper overrides how backoff delays are waited out (for testing).
func (e *Executor) SetSleeper(s Sleeper) {
	e.sleeper = s
}

// SetPrompter sets the interactive decision source used by the ask policy.
func (e *Executor) SetPrompter(p Prompter) {
	e.prompter = p
}

// SetBrancher enables branch-per-task. Only valid in sequential mode.
func (e *Executor) SetBrancher(b Brancher) {
	e.brancher = b
}

// SetProgress sets a writer for live progress output (e.g. os.Stdout).
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (e *Executor) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// hookSeparator divides agent output from hook output in a stored attempt.
const hookSeparator = "\n--- post-done hooks ---\n"

// failure is an attempt outcome about to be recorded.
type failure struct {
	code   ErrorCode
	msg    string
	res    *agent.Result
	hooks  *hooks.PostDoneResult
	result AttemptResult
}

// Execute performs one attempt at t and records it. The returned error is
// reserved for storage failures; every attempt outcome, including agent
// errors, is reported through AttemptResult and the recorded attempt.
func (e *Executor) Execute(ctx context.Context, t tasks.Task) (AttemptResult, error) {
	ts, err := e.deps.State.GetTaskState(ctx, t.ID)
	if err != nil {
		return AttemptFailure, err
	}
	number := ts.AttemptCount() + 1

	if over, spent, err := e.overTaskBudget(ctx, t.ID); err != nil {
		return AttemptFailure, err
	} else if over {
		return e.fail(ctx, t, ts, failure{
			code:   CodeBudgetExceeded,
			msg:    fmt.Sprintf("task budget $%.2f reached ($%.2f spent)", e.opts.TaskBudgetUSD, spent),
			result: AttemptFailure,
		})
	}

	if err := e.deps.Hooks.PreStart(ctx, t); err != nil {
		e.logf("%s: pre-start hook failed: %v", t.ID, err)
		return e.fail(ctx, t, ts, failure{code: CodeHookFailure, msg: err.Error(), result: AttemptHookError})
	}

	if err := e.deps.State.MarkRunning(ctx, t.ID); err != nil {
		return AttemptFailure, err
	}
	if err := e.deps.Source.UpdateStatus(t.ID, tasks.StatusInProgress); err != nil {
		e.log.Warn("could not mark task in progress", "task", t.ID, "error", err)
	}
	if e.brancher != nil {
		branch, err := e.brancher.Checkout(ctx, t)
		if err != nil {
			return e.fail(ctx, t, ts, failure{code: CodeHookFailure, msg: "branch: " + err.Error(), result: AttemptHookError})
		}
		e.logf("%s: on branch %s", t.ID, branch)
	}

	text, err := e.deps.Prompt.Build(t, ts.Attempts, e.retryContext(t, ts))
	if err != nil {
		return e.fail(ctx, t, ts, failure{code: CodeUnknown, msg: err.Error(), result: AttemptFailure})
	}
	e.saveArtifact("prompt", t.ID, func(a *artifact.Store) error {
		return a.SavePrompt(t.ID, ts.Session, number, text)
	})

	e.logf("%s: attempt %d/%d, running agent", t.ID, number, e.opts.MaxRetries)
	e.log.Info("attempt started", "task", t.ID, "session", ts.Session, "attempt", number)
	res, err := e.deps.Agent.Run(ctx, agent.Request{
		Prompt:  text,
		Workdir: e.opts.Workdir,
		Timeout: e.opts.AgentTimeout,
		Env:     []string{"TASKFACTORY_TASK_ID=" + t.ID, "TASKFACTORY_ATTEMPT=" + fmt.Sprint(number)},
	})
	switch {
	case ctx.Err() != nil:
		return e.fail(ctx, t, ts, failure{code: CodeInterrupted, msg: "interrupted: " + ctx.Err().Error(), res: res, result: AttemptFailure})
	case errors.Is(err, agent.ErrTimeout):
		return e.fail(ctx, t, ts, failure{code: CodeTimeout, msg: err.Error(), res: res, result: AttemptFailure})
	case err != nil:
		return e.fail(ctx, t, ts, failure{code: CodeUnknown, msg: err.Error(), res: res, result: AttemptFailure})
	}

	out := agent.Interpret(res)
	switch out.Kind {
	case agent.RateLimited:
		return e.fail(ctx, t, ts, failure{code: CodeRateLimit, msg: out.Reason, res: res, result: AttemptRateLimited})
	case agent.ExplicitFailure, agent.Ambiguous:
		return e.fail(ctx, t, ts, failure{code: CodeTaskFailed, msg: out.Reason, res: res, result: AttemptFailure})
	}

	e.logf("%s: agent reported completion, running post-done hooks", t.ID)
	pd := e.deps.Hooks.PostDone(ctx, t)
	e.logCheckRuns(ctx, t.ID, ts.Session, number, pd.Checks)
	if ctx.Err() != nil {
		return e.fail(ctx, t, ts, failure{code: CodeInterrupted, msg: "interrupted: " + ctx.Err().Error(), res: res, hooks: &pd, result: AttemptFailure})
	}
	if !pd.OK {
		e.rememberFindings(t.ID, pd.Checks)
		return e.fail(ctx, t, ts, failure{code: codeForHookKind(pd.FailedKind), msg: pd.ErrorDetail, res: res, hooks: &pd, result: AttemptFailure})
	}

	in := attemptInput(res, &pd)
	in.Success = true
	if _, err := e.record(ctx, t, ts, in); err != nil {
		return AttemptFailure, err
	}
	e.forgetFindings(t.ID)
	// The success is durable; task file writes are best effort from here.
	if err := e.deps.Source.MarkChecklistDone(t.ID); err != nil {
		e.log.Warn("could not tick task checklist", "task", t.ID, "error", err)
	}
	if err := e.deps.Source.UpdateStatus(t.ID, tasks.StatusDone); err != nil {
		e.log.Warn("could not mark task done", "task", t.ID, "error", err)
		e.logf("%s: done, but the task file was not updated: %v", t.ID, err)
		return AttemptSuccess, nil
	}
	e.logf("%s: done", t.ID)
	return AttemptSuccess, nil
}

// fail records a failed attempt and returns f.result.
func (e *Executor) fail(ctx context.Context, t tasks.Task, ts *state.TaskState, f failure) (AttemptResult, error) {
	in := attemptInput(f.res, f.hooks)
	in.Error = f.msg
	in.ErrorCode = string(f.code)
	if f.code == CodeInterrupted {
		// The run is shutting down; the record must still land.
		ctx = context.WithoutCancel(ctx)
	}
	if _, err := e.record(ctx, t, ts, in); err != nil {
		return AttemptFailure, err
	}
	e.logf("%s: attempt failed (%s): %s", t.ID, f.code, firstLine(f.msg))
	return f.result, nil
}

func attemptInput(res *agent.Result, pd *hooks.PostDoneResult) state.AttemptInput {
	var in state.AttemptInput
	if res != nil {
		in.Duration = res.Duration
		in.RawOutput = res.Output()
		in.InputTokens = res.Usage.InputTokens
		in.OutputTokens = res.Usage.OutputTokens
		in.CostUSD = res.Usage.CostUSD
	}
	if pd != nil {
		if pd.Output != "" {
			in.RawOutput += hookSeparator + pd.Output
		}
		if pd.ReviewStatus != hooks.ReviewSkipped {
			in.ReviewStatus = pd.ReviewStatus
			in.ReviewFindings = pd.ReviewFindings
		}
	}
	return in
}

// record stores the attempt, then writes its transcript and notifies.
func (e *Executor) record(ctx context.Context, t tasks.Task, ts *state.TaskState, in state.AttemptInput) (*state.TaskAttempt, error) {
	a, err := e.deps.State.RecordAttempt(ctx, t.ID, in)
	if err != nil {
		return nil, err
	}
	e.log.Info("attempt recorded", "task", t.ID, "attempt", a.Number, "success", a.Success, "error_code", a.ErrorCode)

	e.saveArtifact("output", t.ID, func(s *artifact.Store) error {
		if err := s.SaveOutput(t.ID, ts.Session, a.Number, in.RawOutput); err != nil {
			return err
		}
		return s.SaveMeta(artifact.AttemptMeta{
			TaskID:    t.ID,
			RunID:     a.RunID,
			Session:   a.Session,
			Attempt:   a.Number,
			Success:   a.Success,
			ErrorCode: a.ErrorCode,
			Error:     a.Error,
			Duration:  in.Duration.Round(time.Millisecond).String(),
			WrittenAt: e.now().UTC(),
		})
	})

	status := "failed_attempt"
	if a.Success {
		status = "success"
	}
	e.deps.Notifier.Notify(ctx, notify.Event{
		RunID:     a.RunID,
		TaskID:    t.ID,
		TaskName:  t.Name,
		Status:    status,
		Attempt:   a.Number,
		ErrorCode: a.ErrorCode,
		Error:     a.Error,
		CostUSD:   a.CostUSD,
	})
	return a, nil
}

func (e *Executor) saveArtifact(what, taskID string, fn func(*artifact.Store) error) {
	if e.deps.Artifacts == nil {
		return
	}
	if err := fn(e.deps.Artifacts); err != nil {
		e.log.Warn("could not save transcript", "task", taskID, "artifact", what, "error", err)
	}
}

func (e *Executor) logCheckRuns(ctx context.Context, taskID string, session, attempt int, results []hooks.CheckResult) {
	for _, cr := range results {
		err := e.deps.State.LogCheckRun(ctx, db.CheckRun{
			TaskID:     taskID,
			Session:    session,
			Attempt:    attempt,
			CheckName:  cr.CheckName,
			Kind:       cr.Kind,
			Passed:     cr.Passed,
			ExitCode:   cr.ExitCode,
			DurationMs: cr.DurationMs,
			Summary:    cr.Summary,
			Findings:   strings.Join(cr.Findings, "\n\n"),
		})
		if err != nil {
			e.log.Warn("could not log check run", "task", taskID, "check", cr.CheckName, "error", err)
		}
	}
}

func (e *Executor) overTaskBudget(ctx context.Context, id string) (bool, float64, error) {
	if e.opts.TaskBudgetUSD <= 0 {
		return false, 0, nil
	}
	spent, err := e.deps.State.TaskCost(ctx, id)
	if err != nil {
		return false, 0, err
	}
	return spent >= e.opts.TaskBudgetUSD, spent, nil
}

// retryContext describes the coming attempt from the stored session.
func (e *Executor) retryContext(t tasks.Task, ts *state.TaskState) *prompt.RetryContext {
	rc := &prompt.RetryContext{Attempt: ts.AttemptCount() + 1, MaxAttempts: e.opts.MaxRetries}
	last := ts.LastAttempt()
	if last == nil {
		return rc
	}
	rc.PreviousErrorCode = last.ErrorCode
	rc.PreviousError = last.Error
	if carriesExcerpts(ErrorCode(last.ErrorCode)) {
		rc.FailureExcerpts = e.recallFindings(t.ID, last)
	}
	return rc
}

func (e *Executor) rememberFindings(id string, results []hooks.CheckResult) {
	var findings []string
	for _, cr := range results {
		if cr.Passed {
			continue
		}
		if len(cr.Findings) == 0 {
			findings = append(findings, fmt.Sprintf("%s: %s", cr.CheckName, cr.Summary))
			continue
		}
		for _, f := range cr.Findings {
			findings = append(findings, fmt.Sprintf("%s: %s", cr.CheckName, f))
		}
	}
	e.mu.Lock()
	e.findings[id] = findings
	e.mu.Unlock()
}

func (e *Executor) forgetFindings(id string) {
	e.mu.Lock()
	delete(e.findings, id)
	e.mu.Unlock()
}

// recallFindings returns the check output of the last attempt. After a
// restart it falls back to the hook section of the stored output.
func (e *Executor) recallFindings(id string, last *state.TaskAttempt) []string {
	e.mu.Lock()
	f, ok := e.findings[id]
	e.mu.Unlock()
	if ok {
		return f
	}
	if _, hookOut, found := strings.Cut(last.RawOutput, hookSeparator); found && strings.TrimSpace(hookOut) != "" {
		return []string{strings.TrimSpace(hookOut)}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
