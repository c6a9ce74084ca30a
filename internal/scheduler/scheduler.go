// Package scheduler decides which tasks may start.
package scheduler

import (
	"sort"

	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// Options tunes ready-set selection.
type Options struct {
	// IncludeInProgress also offers tasks left in_progress by an earlier run.
	IncludeInProgress bool
}

// Ready returns the tasks whose dependencies are all done, ordered by
// priority and then by position in the task file. It is a pure function of
// its input.
func Ready(list []tasks.Task, opts Options) []tasks.Task {
	status := make(map[string]tasks.Status, len(list))
	for _, t := range list {
		status[t.ID] = t.Status
	}

	var ready []tasks.Task
	for _, t := range list {
		if !eligible(t.Status, opts) {
			continue
		}
		if len(unmet(t, status)) > 0 {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Index < ready[j].Index
	})
	return ready
}

// Next returns the highest-priority ready task.
func Next(list []tasks.Task, opts Options) (tasks.Task, bool) {
	ready := Ready(list, opts)
	if len(ready) == 0 {
		return tasks.Task{}, false
	}
	return ready[0], true
}

// Blocked maps each eligible but not-ready task to its unfinished
// dependencies.
func Blocked(list []tasks.Task, opts Options) map[string][]string {
	status := make(map[string]tasks.Status, len(list))
	for _, t := range list {
		status[t.ID] = t.Status
	}
	out := make(map[string][]string)
	for _, t := range list {
		if !eligible(t.Status, opts) {
			continue
		}
		if deps := unmet(t, status); len(deps) > 0 {
			out[t.ID] = deps
		}
	}
	return out
}

// Remaining counts tasks that are not done.
func Remaining(list []tasks.Task) int {
	n := 0
	for _, t := range list {
		if t.Status != tasks.StatusDone {
			n++
		}
	}
	return n
}

func eligible(s tasks.Status, opts Options) bool {
	return s == tasks.StatusTodo || (opts.IncludeInProgress && s == tasks.StatusInProgress)
}

func unmet(t tasks.Task, status map[string]tasks.Status) []string {
	var deps []string
	for _, dep := range t.DependsOn {
		if status[dep] != tasks.StatusDone {
			deps = append(deps, dep)
		}
	}
	return deps
}
