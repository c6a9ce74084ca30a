package state

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/taskfactory/internal/db"
)

// AttemptInput is what the executor reports for one attempt.
type AttemptInput struct {
	Success        bool
	Duration       time.Duration
	Error          string
	ErrorCode      string
	RawOutput      string
	InputTokens    *int64
	OutputTokens   *int64
	CostUSD        *float64
	ReviewStatus   string
	ReviewFindings string
}

// GetTaskState returns the state of a task, creating a pending record for
// ids it has not seen before.
func (s *ExecutorState) GetTaskState(ctx context.Context, id string) (*TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts *TaskState
	err := s.withTx(ctx, func(q *db.Queries) error {
		var err error
		ts, err = ensureTask(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get task state %s: %w", id, err)
	}
	return ts, nil
}

// AllTaskStates returns every known task.
func (s *ExecutorState) AllTaskStates(ctx context.Context) ([]TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.Queries()
	rows, err := q.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]TaskState, 0, len(rows))
	for _, r := range rows {
		ts, err := loadTask(ctx, q, r.TaskID)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			out = append(out, *ts)
		}
	}
	return out, nil
}

// MarkRunning records that an attempt is about to start. It commits before
// the agent is launched so a crash leaves a detectable running record.
func (s *ExecutorState) MarkRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(q *db.Queries) error {
		ts, err := ensureTask(ctx, q, id)
		if err != nil {
			return err
		}
		now := s.now()
		ts.Status = StatusRunning
		ts.StartedAt = &now
		ts.CompletedAt = nil
		if err := q.UpsertTask(ctx, ts.row()); err != nil {
			return err
		}
		return q.LogEvent(ctx, s.runID, id, "running", ts.AttemptCount()+1, "")
	})
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	return nil
}

// RecordAttempt appends an attempt and applies its effects on the task
// status and the counters in one transaction.
//
// Success moves the task to success. Failure moves it to failed once the
// session has max_retries attempts, otherwise back to pending. A successful
// task is never downgraded. consecutive_failures counts failed attempts,
// not failed tasks.
func (s *ExecutorState) RecordAttempt(ctx context.Context, id string, in AttemptInput) (*TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recorded TaskAttempt
	err := s.withTx(ctx, func(q *db.Queries) error {
		ts, err := ensureTask(ctx, q, id)
		if err != nil {
			return err
		}
		counters, err := q.GetCounters(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		row := db.AttemptRow{
			TaskID:         id,
			RunID:          s.runID,
			Session:        ts.Session,
			Number:         ts.AttemptCount() + 1,
			Timestamp:      now,
			Success:        in.Success,
			DurationMs:     in.Duration.Milliseconds(),
			Error:          in.Error,
			ErrorCode:      in.ErrorCode,
			RawOutput:      capTail(in.RawOutput, s.opts.MaxOutputBytes),
			InputTokens:    in.InputTokens,
			OutputTokens:   in.OutputTokens,
			CostUSD:        in.CostUSD,
			ReviewStatus:   in.ReviewStatus,
			ReviewFindings: in.ReviewFindings,
		}
		if row.ID, err = q.InsertAttempt(ctx, row); err != nil {
			return err
		}
		recorded = attemptFromRow(row)

		event := "attempt_failed"
		switch {
		case in.Success:
			event = "attempt_succeeded"
			counters.ConsecutiveFailures = 0
			if ts.Status != StatusSuccess {
				ts.Status = StatusSuccess
				ts.CompletedAt = &now
				counters.TotalCompleted++
			}
		case ts.Status == StatusSuccess:
			counters.ConsecutiveFailures++
		default:
			counters.ConsecutiveFailures++
			if row.Number >= s.opts.MaxRetries {
				if ts.Status != StatusFailed {
					counters.TotalFailed++
				}
				ts.Status = StatusFailed
				ts.CompletedAt = &now
			} else {
				ts.Status = StatusPending
			}
		}

		if err := q.UpsertTask(ctx, ts.row()); err != nil {
			return err
		}
		if err := q.SetCounters(ctx, counters); err != nil {
			return err
		}
		return q.LogEvent(ctx, s.runID, id, event, row.Number, in.ErrorCode)
	})
	if err != nil {
		return nil, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return &recorded, nil
}

// MarkFailed ends a task before its retries are exhausted, for fatal errors
// and budget stops. A successful task is left alone.
func (s *ExecutorState) MarkFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(q *db.Queries) error {
		ts, err := ensureTask(ctx, q, id)
		if err != nil {
			return err
		}
		if ts.Status == StatusSuccess || ts.Status == StatusFailed {
			return nil
		}
		counters, err := q.GetCounters(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		ts.Status = StatusFailed
		ts.CompletedAt = &now
		counters.TotalFailed++
		if err := q.UpsertTask(ctx, ts.row()); err != nil {
			return err
		}
		if err := q.SetCounters(ctx, counters); err != nil {
			return err
		}
		return q.LogEvent(ctx, s.runID, id, "failed", ts.AttemptCount(), "")
	})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// ResetTask starts a fresh retry session. Earlier attempts stay stored and
// keep counting toward cost, but no longer toward the attempt limit.
func (s *ExecutorState) ResetTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(q *db.Queries) error {
		ts, err := ensureTask(ctx, q, id)
		if err != nil {
			return err
		}
		ts.Status = StatusPending
		ts.Session++
		ts.StartedAt = nil
		ts.CompletedAt = nil
		if err := q.UpsertTask(ctx, ts.row()); err != nil {
			return err
		}
		return q.LogEvent(ctx, s.runID, id, "reset", 0, fmt.Sprintf("session %d", ts.Session))
	})
	if err != nil {
		return fmt.Errorf("reset task %s: %w", id, err)
	}
	return nil
}

// Counters returns the run-wide counters.
func (s *ExecutorState) Counters(ctx context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Queries().GetCounters(ctx)
}

// ShouldStop reports whether the run must halt because of too many
// consecutive failed attempts or because total cost exceeds the budget.
func (s *ExecutorState) ShouldStop(ctx context.Context) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.Queries()
	c, err := q.GetCounters(ctx)
	if err != nil {
		return false, "", err
	}
	if limit := s.opts.MaxConsecutiveFailures; limit > 0 && c.ConsecutiveFailures >= limit {
		return true, fmt.Sprintf("%d consecutive failed attempts (limit %d)", c.ConsecutiveFailures, limit), nil
	}
	if budget := s.opts.BudgetUSD; budget > 0 {
		total, err := q.SumCost(ctx, "")
		if err != nil {
			return false, "", err
		}
		if total > budget {
			return true, fmt.Sprintf("total cost $%.2f exceeds budget $%.2f", total, budget), nil
		}
	}
	return false, "", nil
}

// TotalCost sums reported cost over every attempt of every session.
func (s *ExecutorState) TotalCost(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Queries().SumCost(ctx, "")
}

// TaskCost sums reported cost over every attempt of one task.
func (s *ExecutorState) TaskCost(ctx context.Context, id string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Queries().SumCost(ctx, id)
}

// TotalTokens sums reported token usage.
func (s *ExecutorState) TotalTokens(ctx context.Context) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, out, err := s.db.Queries().SumTokens(ctx)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Input: in, Output: out}, nil
}

// RecoverStale resets tasks left running by a dead process back to pending.
// Only records whose started_at is older than timeout are touched.
func (s *ExecutorState) RecoverStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []string
	err := s.withTx(ctx, func(q *db.Queries) error {
		rows, err := q.ListTasks(ctx, string(StatusRunning))
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-timeout)
		for _, r := range rows {
			if r.StartedAt != nil && r.StartedAt.After(cutoff) {
				continue
			}
			r.Status = string(StatusPending)
			if err := q.UpsertTask(ctx, r); err != nil {
				return err
			}
			if err := q.LogEvent(ctx, s.runID, r.TaskID, "recovered", 0, "stale running record"); err != nil {
				return err
			}
			recovered = append(recovered, r.TaskID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover stale tasks: %w", err)
	}
	for _, id := range recovered {
		s.log.Warn("recovered stale task", "task", id, "timeout", timeout)
	}
	return recovered, nil
}

// LogEvent appends an audit event. Callers treat it as best effort.
func (s *ExecutorState) LogEvent(ctx context.Context, taskID, event string, attempt int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Queries().LogEvent(ctx, s.runID, taskID, event, attempt, detail)
}

// LogCheckRun stores one post-done check result.
func (s *ExecutorState) LogCheckRun(ctx context.Context, c db.CheckRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Queries().LogCheckRun(ctx, c)
}

// capTail keeps at most the last limit bytes of s, starting on a rune
// boundary. Zero keeps everything.
func capTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	i := len(s) - limit
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "...(truncated)\n" + s[i:]
}
