package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task in the source file.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority orders tasks: P0 is the most urgent.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// ParsePriority accepts "P0".."P3" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0":
		return P0, nil
	case "P1":
		return P1, nil
	case "P2":
		return P2, nil
	case "P3":
		return P3, nil
	}
	return P2, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// ChecklistItem is a single "- [ ]" line under a task.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Task is a unit of work parsed from the task file.
type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Priority  Priority        `json:"priority"`
	Status    Status          `json:"status"`
	Estimate  string          `json:"estimate,omitempty"`
	Checklist []ChecklistItem `json:"checklist,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Blocks    []string        `json:"blocks,omitempty"`
	Milestone string          `json:"milestone,omitempty"`
	Body      string          `json:"body,omitempty"`

	// Index is the position of the task in the source file.
	Index int `json:"-"`
}

// ValidationError describes a single problem in a task list.
type ValidationError struct {
	TaskID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s: %s: %s", e.TaskID, e.Field, e.Message)
}

// Validate checks ids, statuses, dependency references and cycles. All
// problems are returned joined.
func Validate(list []Task) error {
	var errs []error
	byID := make(map[string]*Task, len(list))
	for i := range list {
		t := &list[i]
		if t.ID == "" {
			errs = append(errs, &ValidationError{TaskID: fmt.Sprintf("#%d", i), Field: "id", Message: "is required"})
			continue
		}
		if _, dup := byID[t.ID]; dup {
			errs = append(errs, &ValidationError{TaskID: t.ID, Field: "id", Message: "duplicate task id"})
			continue
		}
		byID[t.ID] = t
		if !t.Status.Valid() {
			errs = append(errs, &ValidationError{TaskID: t.ID, Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)})
		}
		if t.Priority < P0 || t.Priority > P3 {
			errs = append(errs, &ValidationError{TaskID: t.ID, Field: "priority", Message: fmt.Sprintf("out of range: %d", t.Priority)})
		}
	}

	for i := range list {
		t := &list[i]
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				errs = append(errs, &ValidationError{TaskID: t.ID, Field: "depends_on", Message: "task depends on itself"})
				continue
			}
			if _, ok := byID[dep]; !ok {
				errs = append(errs, &ValidationError{TaskID: t.ID, Field: "depends_on", Message: fmt.Sprintf("unknown dependency %q", dep)})
			}
		}
	}

	if cycle := findCycle(list, byID); cycle != nil {
		errs = append(errs, &ValidationError{
			TaskID:  cycle[0],
			Field:   "depends_on",
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		})
	}
	return errors.Join(errs...)
}

// findCycle runs a depth-first search over depends_on edges and returns the
// first cycle found as a closed path, or nil.
func findCycle(list []Task, byID map[string]*Task) []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	color := make(map[string]int, len(list))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = visiting
		stack = append(stack, id)
		t := byID[id]
		for _, dep := range t.DependsOn {
			if dep == id {
				continue
			}
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						path := append([]string{}, stack[i:]...)
						return append(path, dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = visited
		return nil
	}

	for i := range list {
		id := list[i].ID
		if _, ok := byID[id]; !ok || color[id] != unvisited {
			continue
		}
		if c := visit(id); c != nil {
			return c
		}
	}
	return nil
}

// ByID indexes a task list.
func ByID(list []Task) map[string]Task {
	m := make(map[string]Task, len(list))
	for _, t := range list {
		m[t.ID] = t
	}
	return m
}
