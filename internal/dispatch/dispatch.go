// Package dispatch runs ready tasks concurrently in waves.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/taskfactory/internal/executor"
	"github.com/lucasnoah/taskfactory/internal/lock"
	"github.com/lucasnoah/taskfactory/internal/scheduler"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// TaskRunner runs one task to completion with retries.
type TaskRunner interface {
	RunWithRetries(ctx context.Context, t tasks.Task) (executor.Outcome, error)
}

// Source supplies the current task list.
type Source interface {
	Load() ([]tasks.Task, error)
}

// StopChecker reports run-wide stop conditions.
type StopChecker interface {
	ShouldStop(ctx context.Context) (bool, string, error)
}

// Summary describes what a run did.
type Summary struct {
	Waves      int      `json:"waves"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	Skipped    []string `json:"skipped"`
	Stopped    bool     `json:"stopped"`
	StopReason string   `json:"stop_reason,omitempty"`
}

// Record adds the outcome of one task.
func (s *Summary) Record(id string, o executor.Outcome) {
	switch o {
	case executor.OutcomeSuccess:
		s.Completed = append(s.Completed, id)
	case executor.OutcomeSkip:
		s.Skipped = append(s.Skipped, id)
	default:
		s.Failed = append(s.Failed, id)
	}
}

// Stop marks the summary as stopped early.
func (s *Summary) Stop(reason string) {
	s.Stopped = true
	s.StopReason = reason
}

// Options configures a Dispatcher.
type Options struct {
	Workers           int
	IncludeInProgress bool
	// Sentinel, when set, is checked between waves.
	Sentinel *lock.Sentinel
	Logger   *slog.Logger
}

// Dispatcher runs every ready task of a wave with at most Workers running
// at once, then recomputes the ready set.
type Dispatcher struct {
	runner   TaskRunner
	stop     StopChecker
	opts     Options
	log      *slog.Logger
	progress io.Writer
}

// New creates a Dispatcher.
func New(runner TaskRunner, stop StopChecker, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	return &Dispatcher{
		runner: runner,
		stop:   stop,
		opts:   opts,
		log:    logger.With("component", "dispatch"),
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stdout).
func (d *Dispatcher) SetProgress(w io.Writer) {
	d.progress = w
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.progress != nil {
		fmt.Fprintf(d.progress, "  → "+format+"\n", args...)
	}
}

// DispatchReady runs waves until nothing is ready, a task fails under the
// stop policy, or a stop condition holds. A task is dispatched at most once
// per call. The returned error is a storage, source or context failure; the
// summary reflects the work done up to that point.
func (d *Dispatcher) DispatchReady(ctx context.Context, source Source) (*Summary, error) {
	summary := &Summary{}
	dispatched := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if reason, err := d.stopReason(ctx); err != nil {
			return summary, err
		} else if reason != "" {
			summary.Stop(reason)
			return summary, nil
		}

		list, err := source.Load()
		if err != nil {
			return summary, fmt.Errorf("load tasks: %w", err)
		}
		var wave []tasks.Task
		for _, t := range scheduler.Ready(list, scheduler.Options{IncludeInProgress: d.opts.IncludeInProgress}) {
			if !dispatched[t.ID] {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			return summary, nil
		}

		summary.Waves++
		d.logf("wave %d: %d ready task(s), %d worker(s)", summary.Waves, len(wave), d.opts.Workers)
		d.log.Info("wave started", "wave", summary.Waves, "tasks", len(wave), "workers", d.opts.Workers)

		outcomes, err := d.runWave(ctx, wave)
		for i, t := range wave {
			dispatched[t.ID] = true
			if outcomes[i].done {
				summary.Record(t.ID, outcomes[i].outcome)
			}
		}
		if err != nil {
			return summary, err
		}
		if len(summary.Failed) > 0 {
			summary.Stop(fmt.Sprintf("task %s failed", summary.Failed[len(summary.Failed)-1]))
			return summary, nil
		}
	}
}

type waveResult struct {
	outcome executor.Outcome
	done    bool
}

// runWave runs one wave and waits for it. Results are indexed like wave.
// The first error cancels the tasks still waiting for a slot.
func (d *Dispatcher) runWave(ctx context.Context, wave []tasks.Task) ([]waveResult, error) {
	results := make([]waveResult, len(wave))
	sem := semaphore.NewWeighted(int64(d.opts.Workers))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, t := range wave {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			d.logf("%s: started", t.ID)
			outcome, err := d.runner.RunWithRetries(gctx, t)
			if err != nil {
				return fmt.Errorf("run %s: %w", t.ID, err)
			}
			mu.Lock()
			results[i] = waveResult{outcome: outcome, done: true}
			mu.Unlock()
			d.logf("%s: %s", t.ID, outcome)
			d.log.Info("task finished", "task", t.ID, "outcome", outcome)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}

// stopReason checks the sentinel and the run-wide stop conditions.
func (d *Dispatcher) stopReason(ctx context.Context) (string, error) {
	if s := d.opts.Sentinel; s != nil && s.Requested() {
		if err := s.Clear(); err != nil {
			d.log.Warn("could not remove stop file", "path", s.Path(), "error", err)
		}
		return "stop requested", nil
	}
	if d.stop == nil {
		return "", nil
	}
	stop, reason, err := d.stop.ShouldStop(ctx)
	if err != nil {
		return "", err
	}
	if stop {
		return reason, nil
	}
	return "", nil
}
