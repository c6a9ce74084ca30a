// Package state persists task execution state: per-task status, the
// append-only attempt history, global counters and cost accounting.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/taskfactory/internal/db"
)

// Status is the execution status of a task. It is distinct from the status
// recorded in the task file.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TaskAttempt is one recorded try at a task.
type TaskAttempt struct {
	ID             int64         `json:"id"`
	RunID          string        `json:"run_id"`
	Session        int           `json:"session"`
	Number         int           `json:"number"`
	Timestamp      time.Time     `json:"timestamp"`
	Success        bool          `json:"success"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	RawOutput      string        `json:"raw_output,omitempty"`
	InputTokens    *int64        `json:"input_tokens,omitempty"`
	OutputTokens   *int64        `json:"output_tokens,omitempty"`
	CostUSD        *float64      `json:"cost_usd,omitempty"`
	ReviewStatus   string        `json:"review_status,omitempty"`
	ReviewFindings string        `json:"review_findings,omitempty"`
}

// TaskState is the execution record of one task. Attempts holds the current
// retry session only.
type TaskState struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Session     int           `json:"session"`
	Attempts    []TaskAttempt `json:"attempts"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// AttemptCount is the number of attempts in the current retry session.
func (s *TaskState) AttemptCount() int {
	return len(s.Attempts)
}

// LastAttempt returns the most recent attempt, or nil.
func (s *TaskState) LastAttempt() *TaskAttempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// LastError returns the error of the most recent attempt.
func (s *TaskState) LastError() string {
	if a := s.LastAttempt(); a != nil {
		return a.Error
	}
	return ""
}

// Counters are the run-wide aggregates.
type Counters = db.Counters

// Tokens is aggregated token usage.
type Tokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Options configures an ExecutorState.
type Options struct {
	// Path is the SQLite file. ":memory:" works for tests.
	Path string
	// LegacyPath is an optional flat JSON snapshot imported on first open.
	LegacyPath string
	// RunID tags attempts and events written through this handle. A random
	// id is generated when empty.
	RunID string

	MaxRetries             int
	MaxConsecutiveFailures int
	BudgetUSD              float64
	MaxOutputBytes         int

	Logger *slog.Logger
}

// ExecutorState is the durable execution state of one task file. All
// methods are safe for concurrent use; they are serialized internally and
// every mutation commits as one transaction.
type ExecutorState struct {
	mu    sync.Mutex
	db    *db.DB
	opts  Options
	log   *slog.Logger
	runID string
	now   func() time.Time

	// beforeCommit runs inside mutating transactions just before commit.
	beforeCommit func() error
}

// Open opens the store, applies migrations and imports a legacy snapshot if
// one is present.
func Open(ctx context.Context, opts Options) (*ExecutorState, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	d, err := db.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	s := &ExecutorState{
		db:    d,
		opts:  opts,
		log:   logger.With("component", "state"),
		runID: runID,
		now:   time.Now,
	}
	if opts.LegacyPath != "" {
		if err := s.importLegacy(ctx, opts.LegacyPath); err != nil {
			d.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the database.
func (s *ExecutorState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RunID identifies the run writing through this handle.
func (s *ExecutorState) RunID() string {
	return s.runID
}

// MaxRetries is the per-session attempt limit.
func (s *ExecutorState) MaxRetries() int {
	return s.opts.MaxRetries
}

// DB exposes the underlying store for reporting commands.
func (s *ExecutorState) DB() *db.DB {
	return s.db
}

func (s *ExecutorState) withTx(ctx context.Context, fn func(q *db.Queries) error) error {
	return s.db.WithTx(ctx, func(q *db.Queries) error {
		if err := fn(q); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return s.beforeCommit()
		}
		return nil
	})
}

func attemptFromRow(r db.AttemptRow) TaskAttempt {
	return TaskAttempt{
		ID:             r.ID,
		RunID:          r.RunID,
		Session:        r.Session,
		Number:         r.Number,
		Timestamp:      r.Timestamp,
		Success:        r.Success,
		Duration:       time.Duration(r.DurationMs) * time.Millisecond,
		Error:          r.Error,
		ErrorCode:      r.ErrorCode,
		RawOutput:      r.RawOutput,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		CostUSD:        r.CostUSD,
		ReviewStatus:   r.ReviewStatus,
		ReviewFindings: r.ReviewFindings,
	}
}

// loadTask reads a task and its current-session attempts. It returns nil
// when the task has no row.
func loadTask(ctx context.Context, q *db.Queries, id string) (*TaskState, error) {
	row, err := q.GetTask(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	rows, err := q.ListAttempts(ctx, id, row.Session)
	if err != nil {
		return nil, err
	}
	ts := &TaskState{
		TaskID:      row.TaskID,
		Status:      Status(row.Status),
		Session:     row.Session,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		Attempts:    make([]TaskAttempt, 0, len(rows)),
	}
	for _, r := range rows {
		ts.Attempts = append(ts.Attempts, attemptFromRow(r))
	}
	return ts, nil
}

func (ts *TaskState) row() db.TaskRow {
	return db.TaskRow{
		TaskID:      ts.TaskID,
		Status:      string(ts.Status),
		Session:     ts.Session,
		StartedAt:   ts.StartedAt,
		CompletedAt: ts.CompletedAt,
	}
}

// ensureTask loads a task, creating a pending record when absent.
func ensureTask(ctx context.Context, q *db.Queries, id string) (*TaskState, error) {
	ts, err := loadTask(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if ts != nil {
		return ts, nil
	}
	ts = &TaskState{TaskID: id, Status: StatusPending, Session: 1}
	if err := q.UpsertTask(ctx, ts.row()); err != nil {
		return nil, err
	}
	return ts, nil
}
