package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/notify"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// Outcome is the final result of running a task with retries.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeFailure halts the run.
	OutcomeFailure
	// OutcomeSkip leaves the task blocked and lets the run continue.
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSkip:
		return "skip"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Sleeper waits out backoff delays.
type Sleeper interface {
	// Sleep returns ctx.Err() if ctx is done before d elapses.
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunWithRetries runs t until it succeeds, fails fatally or exhausts
// max_retries, then applies the on_task_failure policy. A task whose stored
// state is failed, or success while the task file still lists it as todo,
// starts a fresh retry session.
//
// A non-nil error means the run cannot continue: storage failed or ctx was
// cancelled. The outcome is OutcomeFailure in that case.
func (e *Executor) RunWithRetries(ctx context.Context, t tasks.Task) (Outcome, error) {
	ts, err := e.deps.State.GetTaskState(ctx, t.ID)
	if err != nil {
		return OutcomeFailure, err
	}
	switch {
	case ts.Status == state.StatusSuccess && t.Status == tasks.StatusDone:
		return OutcomeSuccess, nil
	case ts.Status == state.StatusFailed, ts.Status == state.StatusSuccess:
		e.log.Info("starting fresh retry session", "task", t.ID, "previous_status", ts.Status)
		if err := e.deps.State.ResetTask(ctx, t.ID); err != nil {
			return OutcomeFailure, err
		}
	}

	for {
		done, code, lastErr, err := e.attemptLoop(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				e.releaseInterrupted(t)
			}
			return OutcomeFailure, err
		}
		if done {
			return OutcomeSuccess, nil
		}

		if err := e.deps.State.MarkFailed(ctx, t.ID); err != nil {
			return OutcomeFailure, err
		}
		if err := e.deps.Source.UpdateStatus(t.ID, tasks.StatusBlocked); err != nil {
			e.log.Warn("could not mark task blocked", "task", t.ID, "error", err)
		}
		e.logf("%s: failed (%s), marked blocked", t.ID, code)
		e.log.Warn("task failed", "task", t.ID, "error_code", code, "error", lastErr)
		e.deps.Notifier.Notify(ctx, notify.Event{
			RunID:     e.deps.State.RunID(),
			TaskID:    t.ID,
			TaskName:  t.Name,
			Status:    "failed",
			ErrorCode: string(code),
			Error:     lastErr,
		})

		switch e.opts.OnTaskFailure {
		case config.OnFailureSkip:
			return OutcomeSkip, nil
		case config.OnFailureAsk:
			if e.prompter == nil {
				return OutcomeFailure, nil
			}
			decision, err := e.prompter.Ask(ctx, t, code, lastErr)
			if err != nil {
				return OutcomeFailure, fmt.Errorf("ask about %s: %w", t.ID, err)
			}
			switch decision {
			case DecisionRetry:
				if err := e.deps.State.ResetTask(ctx, t.ID); err != nil {
					return OutcomeFailure, err
				}
				if err := e.deps.Source.UpdateStatus(t.ID, tasks.StatusTodo); err != nil {
					e.log.Warn("could not reset task status", "task", t.ID, "error", err)
				}
				e.logf("%s: retrying in a fresh session", t.ID)
				continue
			case DecisionSkip:
				return OutcomeSkip, nil
			default:
				return OutcomeFailure, nil
			}
		default:
			return OutcomeFailure, nil
		}
	}
}

// attemptLoop runs attempts until success, a fatal code or the retry limit.
// It returns the error code and message of the last recorded attempt.
func (e *Executor) attemptLoop(ctx context.Context, t tasks.Task) (bool, ErrorCode, string, error) {
	for {
		ts, err := e.deps.State.GetTaskState(ctx, t.ID)
		if err != nil {
			return false, "", "", err
		}
		if ts.AttemptCount() >= e.opts.MaxRetries {
			return false, lastCode(ts), ts.LastError(), nil
		}

		result, err := e.Execute(ctx, t)
		if err != nil {
			return false, "", "", err
		}
		if result == AttemptSuccess {
			return true, "", "", nil
		}
		if ctx.Err() != nil {
			return false, CodeInterrupted, "", ctx.Err()
		}

		// Decide from what was recorded, not from the in-memory result.
		ts, err = e.deps.State.GetTaskState(ctx, t.ID)
		if err != nil {
			return false, "", "", err
		}
		last := ts.LastAttempt()
		code := lastCode(ts)

		if result == AttemptHookError || Classify(code) == Fatal {
			return false, code, ts.LastError(), nil
		}
		if over, spent, err := e.overTaskBudget(ctx, t.ID); err != nil {
			return false, "", "", err
		} else if over {
			return false, CodeBudgetExceeded, fmt.Sprintf("task budget $%.2f reached ($%.2f spent)", e.opts.TaskBudgetUSD, spent), nil
		}
		if ts.AttemptCount() >= e.opts.MaxRetries {
			return false, code, ts.LastError(), nil
		}

		delay := Backoff(code, last.Number-1, e.opts.BaseDelay)
		e.logf("%s: retrying in %s (%s)", t.ID, delay, code)
		e.log.Info("backing off", "task", t.ID, "error_code", code, "delay", delay, "strategy", Classify(code))
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return false, CodeInterrupted, "", err
		}
	}
}

// releaseInterrupted returns an interrupted task to todo so the next run
// picks it up again.
func (e *Executor) releaseInterrupted(t tasks.Task) {
	if err := e.deps.Source.UpdateStatus(t.ID, tasks.StatusTodo); err != nil {
		e.log.Warn("could not reset interrupted task", "task", t.ID, "error", err)
	}
}

func lastCode(ts *state.TaskState) ErrorCode {
	if a := ts.LastAttempt(); a != nil {
		return ErrorCode(a.ErrorCode)
	}
	return ""
}
