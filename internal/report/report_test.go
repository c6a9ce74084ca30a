package report

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

func ptr[T any](v T) *T { return &v }

func TestBuild(t *testing.T) {
	ctx := context.Background()
	st, err := state.Open(ctx, state.Options{Path: filepath.Join(t.TempDir(), "state.db"), MaxRetries: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	list := []tasks.Task{
		{ID: "T-1", Name: "Schema", Priority: tasks.P0, Status: tasks.StatusDone,
			Checklist: []tasks.ChecklistItem{{Text: "a", Done: true}, {Text: "b"}}},
		{ID: "T-2", Name: "Repo", Priority: tasks.P1, Status: tasks.StatusTodo, Milestone: "M1"},
		{ID: "T-3", Name: "Docs", Priority: tasks.P3, Status: tasks.StatusTodo},
	}

	if _, err := st.RecordAttempt(ctx, "T-1", state.AttemptInput{Success: true, CostUSD: ptr(0.5), InputTokens: ptr(int64(100)), OutputTokens: ptr(int64(10))}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.RecordAttempt(ctx, "T-2", state.AttemptInput{Error: "tests failed", ErrorCode: "TESTS_FAILED", CostUSD: ptr(0.25)}); err != nil {
		t.Fatal(err)
	}
	// A record for a task no longer in the file is not reported.
	if _, err := st.RecordAttempt(ctx, "T-old", state.AttemptInput{Success: true}); err != nil {
		t.Fatal(err)
	}

	r, err := Build(ctx, st, list)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.Tasks) != 3 {
		t.Fatalf("Tasks = %d, want 3", len(r.Tasks))
	}

	t1 := r.Tasks[0]
	if t1.Execution != state.StatusSuccess || t1.Attempts != 1 || t1.CostUSD != 0.5 {
		t.Errorf("T-1 = %+v", t1)
	}
	if t1.Checklist != (ChecklistCount{Done: 1, Total: 2}) {
		t.Errorf("T-1 checklist = %+v, want 1/2", t1.Checklist)
	}
	if t1.Priority != "P0" {
		t.Errorf("T-1 priority = %q, want P0", t1.Priority)
	}

	t2 := r.Tasks[1]
	if t2.Execution != state.StatusPending || t2.ErrorCode != "TESTS_FAILED" || t2.LastError != "tests failed" {
		t.Errorf("T-2 = %+v", t2)
	}

	t3 := r.Tasks[2]
	if t3.Execution != "" || t3.Attempts != 0 {
		t.Errorf("T-3 should have no execution record, got %+v", t3)
	}

	if r.TotalCost != 0.75 {
		t.Errorf("TotalCost = %v, want 0.75", r.TotalCost)
	}
	if r.Tokens.Input != 100 || r.Tokens.Output != 10 {
		t.Errorf("Tokens = %+v, want 100/10", r.Tokens)
	}
	if r.Counters.TotalCompleted != 2 {
		t.Errorf("TotalCompleted = %d, want 2", r.Counters.TotalCompleted)
	}
	if r.ErrorCodes["TESTS_FAILED"] != 1 {
		t.Errorf("ErrorCodes = %v", r.ErrorCodes)
	}
	if got := r.Count(tasks.StatusTodo); got != 2 {
		t.Errorf("Count(todo) = %d, want 2", got)
	}
}
