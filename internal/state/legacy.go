package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/lucasnoah/taskfactory/internal/db"
)

const legacyMarker = "legacy_import"

// legacySnapshot is the flat JSON state file written by earlier versions.
type legacySnapshot struct {
	Tasks               map[string]legacyTask `json:"tasks"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	TotalCompleted      int                   `json:"total_completed"`
	TotalFailed         int                   `json:"total_failed"`
}

type legacyTask struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Attempts    []legacyAttempt `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

type legacyAttempt struct {
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	Error           *string   `json:"error"`
	ErrorCode       *string   `json:"error_code"`
	Output          *string   `json:"output"`
	InputTokens     *int64    `json:"input_tokens"`
	OutputTokens    *int64    `json:"output_tokens"`
	CostUSD         *float64  `json:"cost_usd"`
	ReviewStatus    *string   `json:"review_status"`
	ReviewFindings  *string   `json:"review_findings"`
}

// ArchivedLegacyPath is where an imported snapshot is moved.
func ArchivedLegacyPath(path string) string {
	return path + ".migrated"
}

// importLegacy copies a flat snapshot into the store once. The import and
// its marker commit together; the file is renamed afterwards, so an
// interruption at any point is either retried or recognised on next open.
func (s *ExecutorState) importLegacy(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy state: %w", err)
	}

	q := s.db.Queries()
	if _, done, err := q.GetMeta(ctx, legacyMarker); err != nil {
		return err
	} else if done {
		s.log.Info("legacy state already imported, archiving file", "path", path)
		return archiveLegacy(path)
	}
	n, err := q.CountTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("legacy state file ignored: store already has tasks", "path", path, "tasks", n)
		return nil
	}

	var snap legacySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse legacy state %s: %w", path, err)
	}

	attempts := 0
	err = s.db.WithTx(ctx, func(q *db.Queries) error {
		for id, lt := range snap.Tasks {
			if lt.TaskID == "" {
				lt.TaskID = id
			}
			status := Status(lt.Status)
			switch status {
			case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
			default:
				return fmt.Errorf("task %s: unknown legacy status %q", lt.TaskID, lt.Status)
			}
			if err := q.UpsertTask(ctx, db.TaskRow{
				TaskID:      lt.TaskID,
				Status:      string(status),
				Session:     1,
				StartedAt:   lt.StartedAt,
				CompletedAt: lt.CompletedAt,
			}); err != nil {
				return err
			}
			for i, a := range lt.Attempts {
				if _, err := q.InsertAttempt(ctx, db.AttemptRow{
					TaskID:         lt.TaskID,
					RunID:          "legacy",
					Session:        1,
					Number:         i + 1,
					Timestamp:      a.Timestamp,
					Success:        a.Success,
					DurationMs:     int64(a.DurationSeconds * 1000),
					Error:          deref(a.Error),
					ErrorCode:      deref(a.ErrorCode),
					RawOutput:      deref(a.Output),
					InputTokens:    a.InputTokens,
					OutputTokens:   a.OutputTokens,
					CostUSD:        a.CostUSD,
					ReviewStatus:   deref(a.ReviewStatus),
					ReviewFindings: deref(a.ReviewFindings),
				}); err != nil {
					return err
				}
				attempts++
			}
		}
		if err := q.SetCounters(ctx, db.Counters{
			ConsecutiveFailures: snap.ConsecutiveFailures,
			TotalCompleted:      snap.TotalCompleted,
			TotalFailed:         snap.TotalFailed,
		}); err != nil {
			return err
		}
		if err := q.SetMeta(ctx, legacyMarker, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		if err := q.LogEvent(ctx, s.runID, "", "legacy_import", 0, path); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return s.beforeCommit()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import legacy state: %w", err)
	}
	s.log.Info("imported legacy state", "path", path, "tasks", len(snap.Tasks), "attempts", attempts)
	return archiveLegacy(path)
}

func archiveLegacy(path string) error {
	if err := os.Rename(path, ArchivedLegacyPath(path)); err != nil {
		return fmt.Errorf("archive legacy state: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
