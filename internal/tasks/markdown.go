package tasks

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/lucasnoah/taskfactory/internal/artifact"
)

var (
	headingRe   = regexp.MustCompile(`^##\s+([A-Za-z0-9_.\-]+)\s*:\s*(.*?)\s*$`)
	milestoneRe = regexp.MustCompile(`^#\s+Milestone\s*:\s*(.*?)\s*$`)
	topRe       = regexp.MustCompile(`^#\s+`)
	checkRe     = regexp.MustCompile(`^(\s*[-*]\s+\[)([ xX])(\]\s+)(.*)$`)
	fieldRe     = regexp.MustCompile(`^(\s*[-*]\s+\*{0,2}([A-Za-z][A-Za-z ]*?)\*{0,2}\s*:\s*\*{0,2}\s*)(.*?)\s*$`)
)

// Parse reads tasks from markdown. A task starts at a "## <id>: <name>"
// heading and runs until the next heading. "# Milestone: X" sets the
// milestone for the tasks that follow it.
func Parse(data []byte) ([]Task, error) {
	var (
		list      []Task
		cur       *Task
		body      []string
		milestone string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		list = append(list, *cur)
		cur = nil
		body = nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()

		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Task{
				ID:        m[1],
				Name:      m[2],
				Status:    StatusTodo,
				Priority:  P2,
				Milestone: milestone,
				Index:     len(list),
			}
			continue
		}
		if m := milestoneRe.FindStringSubmatch(line); m != nil {
			flush()
			milestone = m[1]
			continue
		}
		if topRe.MatchString(line) {
			flush()
			continue
		}
		if cur == nil {
			continue
		}

		if m := checkRe.FindStringSubmatch(line); m != nil {
			cur.Checklist = append(cur.Checklist, ChecklistItem{
				Text: strings.TrimSpace(m[4]),
				Done: m[2] != " ",
			})
			continue
		}
		if m := fieldRe.FindStringSubmatch(line); m != nil {
			handled, err := applyField(cur, m[2], m[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if handled {
				continue
			}
		}
		body = append(body, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan task file: %w", err)
	}
	flush()
	return list, nil
}

// applyField sets a metadata field. Unknown keys are left for the body.
func applyField(t *Task, key, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "status":
		t.Status = Status(strings.ToLower(value))
	case "priority":
		p, err := ParsePriority(value)
		if err != nil {
			return true, fmt.Errorf("task %s: %w", t.ID, err)
		}
		t.Priority = p
	case "depends on", "dependencies", "depends":
		t.DependsOn = splitIDs(value)
	case "blocks":
		t.Blocks = splitIDs(value)
	case "estimate":
		t.Estimate = value
	case "milestone":
		t.Milestone = value
	default:
		return false, nil
	}
	return true, nil
}

func splitIDs(s string) []string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "-", "none", "n/a":
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// File is a task file on disk. Writes rewrite the file in place and are
// serialized, so concurrent workers may update different tasks.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a File for path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Load parses and validates the task file.
func (f *File) Load() ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	if err := Validate(list); err != nil {
		return nil, fmt.Errorf("validate %s: %w", f.path, err)
	}
	return list, nil
}

// UpdateStatus rewrites the status line of a task, inserting one below the
// heading when the task has none.
func (f *File) UpdateStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return f.rewrite(id, func(lines []string, start, end int) []string {
		for i := start + 1; i < end; i++ {
			m := fieldRe.FindStringSubmatch(lines[i])
			if m != nil && strings.EqualFold(strings.TrimSpace(m[2]), "status") {
				lines[i] = m[1] + string(status)
				return lines
			}
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:start+1]...)
		out = append(out, "- Status: "+string(status))
		return append(out, lines[start+1:]...)
	})
}

// MarkChecklistDone ticks every checklist item of a task.
func (f *File) MarkChecklistDone(id string) error {
	return f.rewrite(id, func(lines []string, start, end int) []string {
		for i := start + 1; i < end; i++ {
			if m := checkRe.FindStringSubmatch(lines[i]); m != nil {
				lines[i] = m[1] + "x" + m[3] + m[4]
			}
		}
		return lines
	})
}

func (f *File) rewrite(id string, edit func(lines []string, start, end int) []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}
	trailingNewline := bytes.HasSuffix(data, []byte("\n"))
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")

	start, end := section(lines, id)
	if start < 0 {
		return fmt.Errorf("task %q not found in %s", id, f.path)
	}
	lines = edit(lines, start, end)

	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	if err := artifact.WriteAtomic(f.path, []byte(out)); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return nil
}

// section returns the heading line of task id and the index of the first
// line after its section, or -1 when not found.
func section(lines []string, id string) (int, int) {
	start := -1
	for i, line := range lines {
		if start < 0 {
			if m := headingRe.FindStringSubmatch(line); m != nil && m[1] == id {
				start = i
			}
			continue
		}
		if strings.HasPrefix(line, "#") && (headingRe.MatchString(line) || topRe.MatchString(line)) {
			return start, i
		}
	}
	return start, len(lines)
}
