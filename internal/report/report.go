// Package report assembles the task and execution status shown by the
// status command and the dashboard.
package report

import (
	"context"

	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// TaskStatus is one row of the status report.
type TaskStatus struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Priority  string         `json:"priority"`
	Milestone string         `json:"milestone,omitempty"`
	Source    tasks.Status   `json:"source_status"`
	Execution state.Status   `json:"execution_status,omitempty"`
	Session   int            `json:"session,omitempty"`
	Attempts  int            `json:"attempts"`
	CostUSD   float64        `json:"cost_usd"`
	LastError string         `json:"last_error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Checklist ChecklistCount `json:"checklist"`
}

// ChecklistCount is the ticked and total number of checklist items.
type ChecklistCount struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Status is the whole report.
type Status struct {
	Tasks      []TaskStatus   `json:"tasks"`
	Counters   state.Counters `json:"counters"`
	TotalCost  float64        `json:"total_cost_usd"`
	Tokens     state.Tokens   `json:"tokens"`
	ErrorCodes map[string]int `json:"error_codes,omitempty"`
}

// Build joins the task file with the execution records. Tasks keep their
// file order; records for ids no longer in the file are ignored.
func Build(ctx context.Context, st *state.ExecutorState, list []tasks.Task) (*Status, error) {
	states, err := st.AllTaskStates(ctx)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]state.TaskState, len(states))
	for _, s := range states {
		byTask[s.TaskID] = s
	}

	r := &Status{Tasks: make([]TaskStatus, 0, len(list))}
	for _, t := range list {
		row := TaskStatus{
			ID:        t.ID,
			Name:      t.Name,
			Priority:  t.Priority.String(),
			Milestone: t.Milestone,
			Source:    t.Status,
		}
		for _, c := range t.Checklist {
			row.Checklist.Total++
			if c.Done {
				row.Checklist.Done++
			}
		}
		if s, ok := byTask[t.ID]; ok {
			row.Execution = s.Status
			row.Session = s.Session
			row.Attempts = s.AttemptCount()
			row.LastError = s.LastError()
			if last := s.LastAttempt(); last != nil {
				row.ErrorCode = last.ErrorCode
			}
			if row.CostUSD, err = st.TaskCost(ctx, t.ID); err != nil {
				return nil, err
			}
		}
		r.Tasks = append(r.Tasks, row)
	}

	if r.Counters, err = st.Counters(ctx); err != nil {
		return nil, err
	}
	if r.TotalCost, err = st.TotalCost(ctx); err != nil {
		return nil, err
	}
	if r.Tokens, err = st.TotalTokens(ctx); err != nil {
		return nil, err
	}
	if r.ErrorCodes, err = st.DB().Queries().ErrorCodeCounts(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Count returns how many tasks have the given source status.
func (r *Status) Count(s tasks.Status) int {
	n := 0
	for _, t := range r.Tasks {
		if t.Source == s {
			n++
		}
	}
	return n
}
