package gitbranch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/taskfactory/internal/tasks"
)

type mockGit struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Err
}

var loginTask = tasks.Task{ID: "T-001", Name: "Add login page"}

func TestBranchName(t *testing.T) {
	mgr := NewManager(&mockGit{}, "/repo", "task/")
	if got := mgr.BranchName(loginTask); got != "task/t-001-add-login-page" {
		t.Errorf("BranchName = %q", got)
	}
	if got := mgr.BranchName(tasks.Task{ID: "API.2"}); got != "task/api-2" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestCheckout_CreatesBranch(t *testing.T) {
	git := &mockGit{results: []mockResult{
		{Output: "main"}, // rev-parse
		{Output: ""},     // checkout -b
	}}
	mgr := NewManager(git, "/repo", "task/")

	branch, err := mgr.Checkout(context.Background(), loginTask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branch != "task/t-001-add-login-page" {
		t.Errorf("branch = %q", branch)
	}
	if len(git.calls) != 2 {
		t.Fatalf("expected 2 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "rev-parse", "--abbrev-ref", "HEAD")
	assertArgs(t, git.calls[1].Args, "checkout", "-b", "task/t-001-add-login-page")
	if git.calls[1].Dir != "/repo" {
		t.Errorf("dir = %q, want /repo", git.calls[1].Dir)
	}
}

func TestCheckout_AlreadyOnBranch(t *testing.T) {
	git := &mockGit{results: []mockResult{{Output: "task/t-001-add-login-page"}}}
	mgr := NewManager(git, "/repo", "task/")

	if _, err := mgr.Checkout(context.Background(), loginTask); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 1 {
		t.Errorf("expected only rev-parse, got %d calls", len(git.calls))
	}
}

func TestCheckout_BranchExists(t *testing.T) {
	git := &mockGit{results: []mockResult{
		{Output: "main"},
		{Err: fmt.Errorf("git checkout -b: fatal: a branch named 'x' already exists")},
		{Output: ""},
	}}
	mgr := NewManager(git, "/repo", "task/")

	if _, err := mgr.Checkout(context.Background(), loginTask); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[2].Args, "checkout", "task/t-001-add-login-page")
}

func TestCheckout_Error(t *testing.T) {
	git := &mockGit{results: []mockResult{
		{Output: "main"},
		{Err: fmt.Errorf("git checkout -b: your local changes would be overwritten")},
	}}
	mgr := NewManager(git, "/repo", "task/")

	_, err := mgr.Checkout(context.Background(), loginTask)
	if err == nil || !strings.Contains(err.Error(), "create branch") {
		t.Errorf("err = %v, want create branch error", err)
	}
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"task/t-1", "task/t-1"},
		{"task/Add Auth!", "task/Add-Auth"},
		{"test spaces  here", "test-spaces-here"},
		{strings.Repeat("a", 200), strings.Repeat("a", 80)},
	}
	for _, tc := range tests {
		got := sanitizeBranch(tc.input)
		if got != tc.expected {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

// assertArgs verifies exact argument match (no substring false positives).
func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("args length mismatch: got %v, want %v", got, want)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("arg[%d] mismatch: got %q, want %q", i, got[i], want[i])
		}
	}
}
