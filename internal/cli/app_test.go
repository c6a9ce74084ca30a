package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/taskfactory/internal/lock"
	"github.com/lucasnoah/taskfactory/internal/report"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

const testTasks = `# Milestone: M1

## T-001: Create schema
- Status: todo
- Priority: P1
- [ ] tables exist

## T-002: Add repository
- Status: todo
- Priority: P1
- Depends on: T-001

## T-003: Write docs
- Status: done
- Priority: P3
`

// setupProject writes a task file and a config whose agent completes every
// task, and returns the config path.
func setupProject(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()
	tasksPath := filepath.Join(dir, "TASKS.md")
	if err := os.WriteFile(tasksPath, []byte(testTasks), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := `project:
  tasks_file: ` + tasksPath + `
  state_dir: ` + filepath.Join(dir, ".taskfactory") + `
agent:
  command: sh
  args: ["-c", "cat >/dev/null; echo TASK_COMPLETE"]
  timeout: 30s
  workdir: ` + dir + `
execution:
  max_retries: 2
  base_delay: 1ms
`
	cfgPath = filepath.Join(dir, "taskfactory.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func TestResolveConfigPath_FileNotFound(t *testing.T) {
	_, err := resolveConfigPath("/nonexistent/path/taskfactory.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent config file, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' error, got: %v", err)
	}
}

func TestResolveConfigPath_Empty(t *testing.T) {
	got, err := resolveConfigPath("")
	if err != nil {
		t.Fatalf("unexpected error for empty flag: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestResolveConfigPath_RelativeResolvesToAbsolute(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "taskfactory.yaml")
	if err := os.WriteFile(cfgPath, []byte("project:\n  name: test\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Chdir(dir)

	got, err := resolveConfigPath("taskfactory.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}
	wantResolved, _ := filepath.EvalSymlinks(cfgPath)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Errorf("got %q, want %q", got, cfgPath)
	}
}

func TestConfigValidate(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("config", "validate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("output missing validity line:\n%s", out)
	}
	if !strings.Contains(out, "3 task(s), 2 todo, 0 in progress, 1 done, 0 blocked, 1 ready") {
		t.Errorf("output missing task counts:\n%s", out)
	}
}

func TestConfigShow(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("config", "show", "--config", cfgPath, "--format", "toml")
	if err != nil {
		t.Fatalf("config show: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[execution]") || !strings.Contains(out, "max_retries = 2") {
		t.Errorf("unexpected TOML output:\n%s", out)
	}

	if _, err := executeCommand("config", "show", "--config", cfgPath, "--format", "ini"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestConfigValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "taskfactory.yaml")
	body := "execution:\n  on_task_failure: retry-forever\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("config", "validate", "--config", cfgPath)
	if err == nil {
		t.Fatalf("expected validation error, got output:\n%s", out)
	}
	if !strings.Contains(out, "execution.on_task_failure") {
		t.Errorf("output does not name the bad field:\n%s", out)
	}
}

func TestReadyJSON(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("ready", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("ready: %v\n%s", err, out)
	}
	var got []tasks.Task
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if len(got) != 1 || got[0].ID != "T-001" {
		t.Errorf("ready = %+v, want [T-001]", got)
	}
}

func TestReadyExplain(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("ready", "--config", cfgPath, "--format", "text", "--explain")
	if err != nil {
		t.Fatalf("ready: %v\n%s", err, out)
	}
	if !strings.Contains(out, "T-001") {
		t.Errorf("ready output missing T-001:\n%s", out)
	}
	if !strings.Contains(out, "T-001 (todo)") {
		t.Errorf("explain output missing T-002's dependency:\n%s", out)
	}
}

func TestRunThenStatus(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("run", "--config", cfgPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Run summary") {
		t.Errorf("run output missing summary:\n%s", out)
	}

	out, err = executeCommand("status", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var r report.Status
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if len(r.Tasks) != 3 {
		t.Fatalf("status tasks = %d, want 3", len(r.Tasks))
	}
	for _, row := range r.Tasks[:2] {
		if row.Source != tasks.StatusDone {
			t.Errorf("%s source status = %q, want done", row.ID, row.Source)
		}
		if row.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", row.ID, row.Attempts)
		}
	}
	if r.Counters.TotalCompleted != 2 {
		t.Errorf("total completed = %d, want 2", r.Counters.TotalCompleted)
	}
}

func TestTaskReset(t *testing.T) {
	dir, cfgPath := setupProject(t)
	if out, err := executeCommand("run", "--config", cfgPath, "--task", "T-001"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	out, err := executeCommand("task", "reset", "T-001", "--config", cfgPath)
	if err != nil {
		t.Fatalf("task reset: %v\n%s", err, out)
	}
	list, err := tasks.NewFile(filepath.Join(dir, "TASKS.md")).Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := tasks.ByID(list)["T-001"].Status; got != tasks.StatusTodo {
		t.Errorf("T-001 status = %q, want todo", got)
	}

	out, err = executeCommand("task", "show", "T-001", "--config", cfgPath, "--format", "text")
	if err != nil {
		t.Fatalf("task show: %v\n%s", err, out)
	}
	if !strings.Contains(out, "session 2") || !strings.Contains(out, "reset") {
		t.Errorf("task show after reset:\n%s", out)
	}
}

func TestTaskShow_Unknown(t *testing.T) {
	_, cfgPath := setupProject(t)
	if _, err := executeCommand("task", "show", "T-404", "--config", cfgPath); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRun_InvalidOnFailure(t *testing.T) {
	_, cfgPath := setupProject(t)
	_, err := executeCommand("run", "--config", cfgPath, "--on-failure", "retry-forever")
	if err == nil {
		t.Fatal("expected validation error for --on-failure")
	}
}

func TestStop(t *testing.T) {
	dir, cfgPath := setupProject(t)
	out, err := executeCommand("stop", "--config", cfgPath)
	if err != nil {
		t.Fatalf("stop: %v\n%s", err, out)
	}
	s := lock.NewSentinel(filepath.Join(dir, ".taskfactory", "STOP"))
	if !s.Requested() {
		t.Fatal("stop file not written")
	}

	// A run honours the request without starting a task.
	if out, err := executeCommand("run", "--config", cfgPath); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	list, err := tasks.NewFile(filepath.Join(dir, "TASKS.md")).Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := tasks.ByID(list)["T-001"].Status; got != tasks.StatusTodo {
		t.Errorf("T-001 status = %q, want todo", got)
	}
	if s.Requested() {
		t.Error("stop file should be cleared once honoured")
	}
}

func TestDBReset_RequiresForce(t *testing.T) {
	_, cfgPath := setupProject(t)
	_, err := executeCommand("db", "reset", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("db reset without --force: err = %v", err)
	}
}

func TestDBMigrate(t *testing.T) {
	_, cfgPath := setupProject(t)
	out, err := executeCommand("db", "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "schema v") {
		t.Errorf("db migrate output = %q", out)
	}
}

func TestStats(t *testing.T) {
	_, cfgPath := setupProject(t)
	if out, err := executeCommand("run", "--config", cfgPath); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	out, err := executeCommand("stats", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	var r struct {
		RetryDepth []struct {
			Attempt int `json:"attempt"`
			Count   int `json:"count"`
		} `json:"retry_depth"`
	}
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if len(r.RetryDepth) != 1 || r.RetryDepth[0].Attempt != 1 || r.RetryDepth[0].Count != 2 {
		t.Errorf("retry depth = %+v, want two first-attempt successes", r.RetryDepth)
	}
}

func TestDisplayAddr(t *testing.T) {
	if got := displayAddr(":8080"); got != "localhost:8080" {
		t.Errorf("displayAddr(:8080) = %q", got)
	}
	if got := displayAddr("127.0.0.1:9000"); got != "127.0.0.1:9000" {
		t.Errorf("displayAddr(127.0.0.1:9000) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate(strings.Repeat("ö", 12), 10); got != strings.Repeat("ö", 7)+"..." {
		t.Errorf("truncate(ö×12, 10) = %q", got)
	}
}
