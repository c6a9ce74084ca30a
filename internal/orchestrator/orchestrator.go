// Package orchestrator drives a whole run over a task file.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lucasnoah/taskfactory/internal/dispatch"
	"github.com/lucasnoah/taskfactory/internal/executor"
	"github.com/lucasnoah/taskfactory/internal/lock"
	"github.com/lucasnoah/taskfactory/internal/scheduler"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// ErrTaskNotReady is returned when a single requested task cannot start.
var ErrTaskNotReady = errors.New("task is not ready")

// Source is the task file.
type Source interface {
	Load() ([]tasks.Task, error)
	UpdateStatus(id string, status tasks.Status) error
}

// Options configures a run.
type Options struct {
	Parallel          bool
	Workers           int
	IncludeInProgress bool
	StaleTimeout      time.Duration
	// LockPath is taken in sequential mode. Empty disables locking.
	LockPath string
	// StopPath is the stop sentinel polled between tasks and waves.
	StopPath string
	// TaskID limits the run to one task.
	TaskID string
	Logger *slog.Logger
}

// Orchestrator composes the state store, the task file and the executor
// into a run.
type Orchestrator struct {
	state    *state.ExecutorState
	source   Source
	runner   dispatch.TaskRunner
	opts     Options
	log      *slog.Logger
	sentinel *lock.Sentinel
	progress io.Writer
}

// New creates an Orchestrator.
func New(st *state.ExecutorState, source Source, runner dispatch.TaskRunner, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Orchestrator{
		state:  st,
		source: source,
		runner: runner,
		opts:   opts,
		log:    logger.With("component", "orchestrator"),
	}
	if opts.StopPath != "" {
		o.sentinel = lock.NewSentinel(opts.StopPath)
	}
	return o
}

// SetProgress sets a writer for live progress output (e.g. os.Stdout).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, format+"\n", args...)
	}
}

// Run executes ready tasks until none remain or the run must stop.
func (o *Orchestrator) Run(ctx context.Context) (*dispatch.Summary, error) {
	if !o.opts.Parallel && o.opts.LockPath != "" {
		l, err := lock.Acquire(o.opts.LockPath)
		if err != nil {
			return nil, err
		}
		defer l.Release()
	}

	if _, err := o.Recover(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	o.log.Info("run started", "run_id", o.state.RunID(), "parallel", o.opts.Parallel, "task", o.opts.TaskID)

	var (
		summary *dispatch.Summary
		err     error
	)
	switch {
	case o.opts.TaskID != "":
		summary, err = o.runOne(ctx, o.opts.TaskID)
	case o.opts.Parallel:
		d := dispatch.New(o.runner, o.state, dispatch.Options{
			Workers:           o.opts.Workers,
			IncludeInProgress: o.opts.IncludeInProgress,
			Sentinel:          o.sentinel,
			Logger:            o.log,
		})
		d.SetProgress(o.progress)
		summary, err = d.DispatchReady(ctx, o.source)
	default:
		summary, err = o.runSequential(ctx)
	}

	if summary != nil {
		o.log.Info("run finished",
			"completed", len(summary.Completed),
			"failed", len(summary.Failed),
			"skipped", len(summary.Skipped),
			"stopped", summary.Stopped,
			"reason", summary.StopReason,
			"elapsed", time.Since(start).Round(time.Second))
	}
	return summary, err
}

// Recover resets tasks left running by a dead process, in the store and in
// the task file.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	ids, err := o.state.RecoverStale(ctx, o.opts.StaleTimeout)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := o.source.Load()
	if err != nil {
		return ids, fmt.Errorf("load tasks: %w", err)
	}
	byID := tasks.ByID(list)
	for _, id := range ids {
		if t, ok := byID[id]; ok && t.Status == tasks.StatusInProgress {
			if err := o.source.UpdateStatus(id, tasks.StatusTodo); err != nil {
				return ids, err
			}
		}
		o.logf("recovered stale task %s", id)
	}
	return ids, nil
}

// runSequential runs one ready task at a time, highest priority first.
func (o *Orchestrator) runSequential(ctx context.Context) (*dispatch.Summary, error) {
	summary := &dispatch.Summary{}
	attempted := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if reason, err := o.stopReason(ctx); err != nil {
			return summary, err
		} else if reason != "" {
			summary.Stop(reason)
			o.logf("Stopping: %s", reason)
			return summary, nil
		}

		list, err := o.source.Load()
		if err != nil {
			return summary, fmt.Errorf("load tasks: %w", err)
		}
		var next *tasks.Task
		for _, t := range scheduler.Ready(list, scheduler.Options{IncludeInProgress: o.opts.IncludeInProgress}) {
			if !attempted[t.ID] {
				next = &t
				break
			}
		}
		if next == nil {
			if remaining := scheduler.Remaining(list); remaining > 0 {
				o.logf("No ready tasks; %d not done", remaining)
			}
			return summary, nil
		}

		attempted[next.ID] = true
		o.logf("Task %s: %s", next.ID, next.Name)
		outcome, err := o.runner.RunWithRetries(ctx, *next)
		if err != nil {
			return summary, fmt.Errorf("run %s: %w", next.ID, err)
		}
		summary.Record(next.ID, outcome)
		if outcome == executor.OutcomeFailure {
			reason := fmt.Sprintf("task %s failed", next.ID)
			summary.Stop(reason)
			o.logf("Stopping: %s", reason)
			return summary, nil
		}
	}
}

// runOne runs a single task whose dependencies are done.
func (o *Orchestrator) runOne(ctx context.Context, id string) (*dispatch.Summary, error) {
	list, err := o.source.Load()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	t, ok := tasks.ByID(list)[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if t.Status == tasks.StatusDone {
		return nil, fmt.Errorf("%w: %s is already done", ErrTaskNotReady, id)
	}
	if deps := scheduler.Blocked(list, scheduler.Options{IncludeInProgress: true})[id]; len(deps) > 0 {
		return nil, fmt.Errorf("%w: %s waits on %v", ErrTaskNotReady, id, deps)
	}
	if reason, err := o.stopReason(ctx); err != nil {
		return nil, err
	} else if reason != "" {
		summary := &dispatch.Summary{}
		summary.Stop(reason)
		return summary, nil
	}

	summary := &dispatch.Summary{}
	o.logf("Task %s: %s", t.ID, t.Name)
	outcome, err := o.runner.RunWithRetries(ctx, t)
	if err != nil {
		return summary, fmt.Errorf("run %s: %w", t.ID, err)
	}
	summary.Record(t.ID, outcome)
	return summary, nil
}

func (o *Orchestrator) stopReason(ctx context.Context) (string, error) {
	if o.sentinel != nil && o.sentinel.Requested() {
		if err := o.sentinel.Clear(); err != nil {
			o.log.Warn("could not remove stop file", "path", o.sentinel.Path(), "error", err)
		}
		return "stop requested", nil
	}
	stop, reason, err := o.state.ShouldStop(ctx)
	if err != nil {
		return "", err
	}
	if stop {
		return reason, nil
	}
	return "", nil
}
