// Package gitbranch puts each task on its own git branch.
package gitbranch

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), trimmed, err)
	}
	return trimmed, nil
}

// Manager switches the repository to a per-task branch.
type Manager struct {
	git     GitRunner
	repoDir string
	prefix  string
}

// NewManager creates a branch manager for the repository at repoDir.
func NewManager(git GitRunner, repoDir, prefix string) *Manager {
	return &Manager{git: git, repoDir: repoDir, prefix: prefix}
}

// BranchName returns the branch used for t, e.g. task/t-001-add-login.
func (m *Manager) BranchName(t tasks.Task) string {
	slug := strings.ToLower(t.ID)
	if t.Name != "" {
		slug += "-" + strings.ToLower(t.Name)
	}
	return sanitizeBranch(m.prefix + slug)
}

// Checkout switches to the task's branch, creating it from the current HEAD
// when it does not exist yet. It returns the branch name.
func (m *Manager) Checkout(ctx context.Context, t tasks.Task) (string, error) {
	branch := m.BranchName(t)
	if branch == "" {
		return "", fmt.Errorf("empty branch name for task %q", t.ID)
	}

	current, err := m.git.Run(ctx, m.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read current branch: %w", err)
	}
	if current == branch {
		return branch, nil
	}

	if _, err := m.git.Run(ctx, m.repoDir, "checkout", "-b", branch); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("create branch: %w", err)
		}
		if _, err := m.git.Run(ctx, m.repoDir, "checkout", branch); err != nil {
			return "", fmt.Errorf("checkout branch: %w", err)
		}
	}
	return branch, nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-/")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-/")
	}
	return s
}
