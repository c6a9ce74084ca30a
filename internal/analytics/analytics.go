// Package analytics aggregates the execution history kept in the state
// database: attempt durations, retry depth, check failure rates, error
// codes, cost per task and daily throughput.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// AttemptDuration holds duration stats for successful or failed attempts.
type AttemptDuration struct {
	Outcome string  `json:"outcome"`
	Count   int     `json:"count"`
	Avg     float64 `json:"avg_seconds"`
	P50     float64 `json:"p50_seconds"`
	P95     float64 `json:"p95_seconds"`
}

// sinceClause appends a timestamp filter. Timestamps are RFC 3339 in UTC, so
// a date prefix such as "2024-06-01" compares correctly as text.
func sinceClause(query, column, since string, args []any) (string, []any) {
	if since == "" {
		return query, args
	}
	return query + ` AND ` + column + ` >= ?`, append(args, since)
}

// QueryAttemptDurations returns average and percentile attempt durations,
// split by outcome.
func QueryAttemptDurations(ctx context.Context, database DB, since string) ([]AttemptDuration, error) {
	query, args := sinceClause(`SELECT success, duration_ms FROM task_attempts WHERE 1 = 1`, "timestamp", since, nil)

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempt durations: %w", err)
	}
	defer rows.Close()

	byOutcome := make(map[string][]float64)
	for rows.Next() {
		var success bool
		var ms int64
		if err := rows.Scan(&success, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt duration: %w", err)
		}
		outcome := "failure"
		if success {
			outcome = "success"
		}
		byOutcome[outcome] = append(byOutcome[outcome], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []AttemptDuration
	for outcome, durations := range byOutcome {
		sort.Float64s(durations)
		results = append(results, AttemptDuration{
			Outcome: outcome,
			Count:   len(durations),
			Avg:     avg(durations),
			P50:     percentile(durations, 50),
			P95:     percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Outcome > results[j].Outcome
	})
	return results, nil
}

// RetryDepth is how many retry sessions succeeded on a given attempt.
type RetryDepth struct {
	Attempt int     `json:"attempt"`
	Count   int     `json:"count"`
	Pct     float64 `json:"pct"`
}

// QueryRetryDepth returns, for every session that ended in success, the
// attempt number that succeeded.
func QueryRetryDepth(ctx context.Context, database DB, since string) ([]RetryDepth, error) {
	query, args := sinceClause(`SELECT number, COUNT(*) FROM task_attempts WHERE success = 1`, "timestamp", since, nil)
	query += ` GROUP BY number ORDER BY number`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry depth: %w", err)
	}
	defer rows.Close()

	var results []RetryDepth
	total := 0
	for rows.Next() {
		var d RetryDepth
		if err := rows.Scan(&d.Attempt, &d.Count); err != nil {
			return nil, fmt.Errorf("scan retry depth: %w", err)
		}
		total += d.Count
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	return results, nil
}

// CheckFailure holds failure stats for a specific post-done check.
type CheckFailure struct {
	Check     string  `json:"check"`
	Kind      string  `json:"kind"`
	Total     int     `json:"total"`
	Failed    int     `json:"failed"`
	FailRate  float64 `json:"fail_rate_pct"`
	FirstPass float64 `json:"first_attempt_pass_pct"`
}

// QueryCheckFailures returns which checks fail most, and how often each
// passes on the first attempt of a session.
func QueryCheckFailures(ctx context.Context, database DB, since string) ([]CheckFailure, error) {
	query, args := sinceClause(`
		SELECT check_name, kind,
			COUNT(*) as total,
			SUM(CASE WHEN passed = 0 THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN attempt = 1 THEN 1 ELSE 0 END) as first_total,
			SUM(CASE WHEN attempt = 1 AND passed = 1 THEN 1 ELSE 0 END) as first_passed
		FROM check_runs
		WHERE 1 = 1`, "timestamp", since, nil)
	query += ` GROUP BY check_name, kind`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query check failures: %w", err)
	}
	defer rows.Close()

	var results []CheckFailure
	for rows.Next() {
		var cf CheckFailure
		var firstTotal, firstPassed int
		if err := rows.Scan(&cf.Check, &cf.Kind, &cf.Total, &cf.Failed, &firstTotal, &firstPassed); err != nil {
			return nil, fmt.Errorf("scan check failure: %w", err)
		}
		cf.FailRate = pct(cf.Failed, cf.Total)
		cf.FirstPass = pct(firstPassed, firstTotal)
		results = append(results, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Most failing first.
	sort.Slice(results, func(i, j int) bool {
		if results[i].FailRate != results[j].FailRate {
			return results[i].FailRate > results[j].FailRate
		}
		return results[i].Check < results[j].Check
	})
	return results, nil
}

// ErrorShare is the share of failed attempts carrying one error code.
type ErrorShare struct {
	Code  string  `json:"code"`
	Count int     `json:"count"`
	Pct   float64 `json:"pct"`
}

// QueryErrorShares returns failed attempts grouped by error code, most
// frequent first.
func QueryErrorShares(ctx context.Context, database DB, since string) ([]ErrorShare, error) {
	query, args := sinceClause(`SELECT error_code, COUNT(*) FROM task_attempts WHERE success = 0`, "timestamp", since, nil)
	query += ` GROUP BY error_code`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error shares: %w", err)
	}
	defer rows.Close()

	var results []ErrorShare
	total := 0
	for rows.Next() {
		var e ErrorShare
		if err := rows.Scan(&e.Code, &e.Count); err != nil {
			return nil, fmt.Errorf("scan error share: %w", err)
		}
		if e.Code == "" {
			e.Code = "UNKNOWN"
		}
		total += e.Count
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Code < results[j].Code
	})
	return results, nil
}

// TaskCost is the spend of one task across every session.
type TaskCost struct {
	TaskID       string  `json:"task_id"`
	Attempts     int     `json:"attempts"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// QueryTaskCosts returns the most expensive tasks. A limit of 0 returns all.
func QueryTaskCosts(ctx context.Context, database DB, limit int) ([]TaskCost, error) {
	query := `
		SELECT task_id, COUNT(*),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM task_attempts
		GROUP BY task_id
		ORDER BY 3 DESC, task_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task costs: %w", err)
	}
	defer rows.Close()

	var results []TaskCost
	for rows.Next() {
		var c TaskCost
		if err := rows.Scan(&c.TaskID, &c.Attempts, &c.CostUSD, &c.InputTokens, &c.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan task cost: %w", err)
		}
		c.CostUSD = math.Round(c.CostUSD*10000) / 10000
		results = append(results, c)
	}
	return results, rows.Err()
}

// Throughput is the attempt volume of one UTC day.
type Throughput struct {
	Day       string  `json:"day"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	CostUSD   float64 `json:"cost_usd"`
}

// QueryThroughput returns per-day attempt counts, oldest first.
func QueryThroughput(ctx context.Context, database DB, since string) ([]Throughput, error) {
	query, args := sinceClause(`
		SELECT substr(timestamp, 1, 10) as day,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(cost_usd), 0)
		FROM task_attempts
		WHERE 1 = 1`, "timestamp", since, nil)
	query += ` GROUP BY day ORDER BY day`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var tp Throughput
		if err := rows.Scan(&tp.Day, &tp.Succeeded, &tp.Failed, &tp.CostUSD); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		tp.CostUSD = math.Round(tp.CostUSD*100) / 100
		results = append(results, tp)
	}
	return results, rows.Err()
}

// Report bundles every aggregate.
type Report struct {
	Durations  []AttemptDuration `json:"durations"`
	RetryDepth []RetryDepth      `json:"retry_depth"`
	Checks     []CheckFailure    `json:"checks"`
	Errors     []ErrorShare      `json:"errors"`
	Costs      []TaskCost        `json:"costs"`
	Throughput []Throughput      `json:"throughput"`
}

// Build runs every query. costLimit bounds the cost table.
func Build(ctx context.Context, database DB, since string, costLimit int) (*Report, error) {
	var (
		r   Report
		err error
	)
	if r.Durations, err = QueryAttemptDurations(ctx, database, since); err != nil {
		return nil, err
	}
	if r.RetryDepth, err = QueryRetryDepth(ctx, database, since); err != nil {
		return nil, err
	}
	if r.Checks, err = QueryCheckFailures(ctx, database, since); err != nil {
		return nil, err
	}
	if r.Errors, err = QueryErrorShares(ctx, database, since); err != nil {
		return nil, err
	}
	if r.Costs, err = QueryTaskCosts(ctx, database, costLimit); err != nil {
		return nil, err
	}
	if r.Throughput, err = QueryThroughput(ctx, database, since); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
