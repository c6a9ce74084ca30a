package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the row-level statements. It runs against either the
// connection or a transaction.
type Queries struct {
	q querier
}

// TaskRow represents a row in the task_states table.
type TaskRow struct {
	TaskID      string
	Status      string
	Session     int
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// AttemptRow represents a row in the task_attempts table.
type AttemptRow struct {
	ID             int64
	TaskID         string
	RunID          string
	Session        int
	Number         int
	Timestamp      time.Time
	Success        bool
	DurationMs     int64
	Error          string
	ErrorCode      string
	RawOutput      string
	InputTokens    *int64
	OutputTokens   *int64
	CostUSD        *float64
	ReviewStatus   string
	ReviewFindings string
}

// Counters is the single executor_counters row.
type Counters struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	TotalCompleted      int `json:"total_completed"`
	TotalFailed         int `json:"total_failed"`
}

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int64
	RunID     string
	TaskID    string
	Event     string
	Attempt   int
	Detail    string
	Timestamp string
}

// CheckRun represents a row in the check_runs table.
type CheckRun struct {
	ID         int64
	TaskID     string
	Session    int
	Attempt    int
	CheckName  string
	Kind       string
	Passed     bool
	ExitCode   int
	DurationMs int
	Summary    string
	Findings   string
	Timestamp  string
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(TimeFormat, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

// GetTask returns the state row of a task, or nil when none exists.
func (q *Queries) GetTask(ctx context.Context, taskID string) (*TaskRow, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT task_id, status, session, started_at, completed_at, updated_at
		 FROM task_states WHERE task_id = ?`, taskID)
	r, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return r, nil
}

// ListTasks returns all task rows ordered by id, optionally filtered by status.
func (q *Queries) ListTasks(ctx context.Context, status string) ([]TaskRow, error) {
	query := `SELECT task_id, status, session, started_at, completed_at, updated_at FROM task_states`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY task_id`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountTasks returns the number of task rows.
func (q *Queries) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*TaskRow, error) {
	var (
		r                  TaskRow
		started, completed sql.NullString
		updated            string
	)
	if err := s.Scan(&r.TaskID, &r.Status, &r.Session, &started, &completed, &updated); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if u, err := time.Parse(TimeFormat, updated); err == nil {
		r.UpdatedAt = u
	}
	return &r, nil
}

// UpsertTask inserts or replaces the state row of a task.
func (q *Queries) UpsertTask(ctx context.Context, r TaskRow) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO task_states (task_id, status, session, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   status = excluded.status,
		   session = excluded.session,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   updated_at = excluded.updated_at`,
		r.TaskID, r.Status, r.Session, nullTime(r.StartedAt), nullTime(r.CompletedAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", r.TaskID, err)
	}
	return nil
}

// InsertAttempt appends an attempt row and returns its id.
func (q *Queries) InsertAttempt(ctx context.Context, a AttemptRow) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, run_id, session, number, timestamp, success, duration_ms,
		   error, error_code, raw_output, input_tokens, output_tokens, cost_usd, review_status, review_findings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.RunID, a.Session, a.Number, formatTime(a.Timestamp), a.Success, a.DurationMs,
		a.Error, a.ErrorCode, a.RawOutput, a.InputTokens, a.OutputTokens, a.CostUSD, a.ReviewStatus, a.ReviewFindings,
	)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("attempt id: %w", err)
	}
	return id, nil
}

// ListAttempts returns the attempts of one retry session in order. A
// session of 0 returns attempts from every session.
func (q *Queries) ListAttempts(ctx context.Context, taskID string, session int) ([]AttemptRow, error) {
	query := `SELECT id, task_id, run_id, session, number, timestamp, success, duration_ms, error, error_code,
	            raw_output, input_tokens, output_tokens, cost_usd, review_status, review_findings
	          FROM task_attempts WHERE task_id = ?`
	args := []any{taskID}
	if session > 0 {
		query += ` AND session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY session, number, id`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var (
			a         AttemptRow
			ts        string
			in, outTk sql.NullInt64
			cost      sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.RunID, &a.Session, &a.Number, &ts, &a.Success, &a.DurationMs,
			&a.Error, &a.ErrorCode, &a.RawOutput, &in, &outTk, &cost, &a.ReviewStatus, &a.ReviewFindings); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if t, err := time.Parse(TimeFormat, ts); err == nil {
			a.Timestamp = t
		}
		if in.Valid {
			v := in.Int64
			a.InputTokens = &v
		}
		if outTk.Valid {
			v := outTk.Int64
			a.OutputTokens = &v
		}
		if cost.Valid {
			v := cost.Float64
			a.CostUSD = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAttempts returns how many attempts a task has in a session.
func (q *Queries) CountAttempts(ctx context.Context, taskID string, session int) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_attempts WHERE task_id = ? AND session = ?`, taskID, session).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// GetCounters reads the executor counters.
func (q *Queries) GetCounters(ctx context.Context) (Counters, error) {
	var c Counters
	err := q.q.QueryRowContext(ctx,
		`SELECT consecutive_failures, total_completed, total_failed FROM executor_counters WHERE id = 1`,
	).Scan(&c.ConsecutiveFailures, &c.TotalCompleted, &c.TotalFailed)
	if err != nil {
		return Counters{}, fmt.Errorf("get counters: %w", err)
	}
	return c, nil
}

// SetCounters overwrites the executor counters.
func (q *Queries) SetCounters(ctx context.Context, c Counters) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE executor_counters SET consecutive_failures = ?, total_completed = ?, total_failed = ? WHERE id = 1`,
		c.ConsecutiveFailures, c.TotalCompleted, c.TotalFailed)
	if err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	return nil
}

// GetMeta returns a meta value and whether it was set.
func (q *Queries) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta stores a meta value.
func (q *Queries) SetMeta(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// SumCost adds up reported cost over every stored attempt, optionally for a
// single task. Unreported cost counts as zero.
func (q *Queries) SumCost(ctx context.Context, taskID string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM task_attempts`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	var total float64
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total, nil
}

// SumTokens adds up reported input and output tokens over every attempt.
func (q *Queries) SumTokens(ctx context.Context) (input, output int64, err error) {
	err = q.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM task_attempts`,
	).Scan(&input, &output)
	if err != nil {
		return 0, 0, fmt.Errorf("sum tokens: %w", err)
	}
	return input, output, nil
}

// ErrorCodeCounts returns how often each error code was recorded.
func (q *Queries) ErrorCodeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT error_code, COUNT(*) FROM task_attempts WHERE success = 0 AND error_code != '' GROUP BY error_code`)
	if err != nil {
		return nil, fmt.Errorf("error code counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan error code count: %w", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

// LogEvent appends a run event.
func (q *Queries) LogEvent(ctx context.Context, runID, taskID, event string, attempt int, detail string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO run_events (run_id, task_id, event, attempt, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, taskID, event, attempt, detail, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first. An empty taskID
// returns events for every task.
func (q *Queries) ListEvents(ctx context.Context, taskID string, limit int) ([]RunEvent, error) {
	query := `SELECT id, run_id, task_id, event, attempt, detail, timestamp FROM run_events`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with an id greater than afterID,
// oldest first.
func (q *Queries) EventsAfter(ctx context.Context, afterID int64, limit int) ([]RunEvent, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, run_id, task_id, event, attempt, detail, timestamp FROM run_events WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events after %d: %w", afterID, err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]RunEvent, error) {
	defer rows.Close()
	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		var attempt sql.NullInt64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.Event, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogCheckRun records the result of one post-done check.
func (q *Queries) LogCheckRun(ctx context.Context, c CheckRun) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO check_runs (task_id, session, attempt, check_name, kind, passed, exit_code, duration_ms, summary, findings, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.Session, c.Attempt, c.CheckName, c.Kind, c.Passed, c.ExitCode, c.DurationMs, c.Summary, c.Findings, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log check run: %w", err)
	}
	return nil
}

// ListCheckRuns returns the check runs of a task attempt.
func (q *Queries) ListCheckRuns(ctx context.Context, taskID string, session, attempt int) ([]CheckRun, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, task_id, session, attempt, check_name, kind, passed, exit_code, duration_ms, summary, findings, timestamp
		 FROM check_runs WHERE task_id = ? AND session = ? AND attempt = ? ORDER BY id`,
		taskID, session, attempt)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer rows.Close()

	var out []CheckRun
	for rows.Next() {
		var c CheckRun
		var exitCode, durationMs sql.NullInt64
		var summary, findings sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Session, &c.Attempt, &c.CheckName, &c.Kind, &c.Passed,
			&exitCode, &durationMs, &summary, &findings, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		c.ExitCode = int(exitCode.Int64)
		c.DurationMs = int(durationMs.Int64)
		c.Summary = summary.String
		c.Findings = findings.String
		out = append(out, c)
	}
	return out, rows.Err()
}
