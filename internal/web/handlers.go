package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/taskfactory/internal/analytics"
	"github.com/lucasnoah/taskfactory/internal/db"
	"github.com/lucasnoah/taskfactory/internal/report"
	"github.com/lucasnoah/taskfactory/internal/scheduler"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// ---- view models ----

type DashboardData struct {
	Report    *report.Status
	Ready     []tasks.Task
	Todo      int
	Done      int
	Activity  []db.RunEvent
	Stats     *analytics.Report
	Generated time.Time
}

type TaskData struct {
	Task     tasks.Task
	State    *state.TaskState
	Blocked  []string
	Events   []db.RunEvent
	Attempts []AttemptRow
}

type AttemptRow struct {
	state.TaskAttempt
	HasLog    bool
	CheckRuns []db.CheckRun
}

func relTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl *template.Template, data any) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.log.Error("render template", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.source.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rep, err := report.Build(ctx, s.state, list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	activity, _ := s.state.DB().Queries().ListEvents(ctx, "", 20)
	stats, err := analytics.Build(ctx, s.state.DB(), "", 5)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.execTemplate(w, s.dashboardTmpl, DashboardData{
		Report:    rep,
		Ready:     scheduler.Ready(list, scheduler.Options{}),
		Todo:      scheduler.Remaining(list),
		Done:      rep.Count(tasks.StatusDone),
		Activity:  activity,
		Stats:     stats,
		Generated: time.Now(),
	})
}

// ---- Task detail ----

func (s *Server) taskData(r *http.Request) (*TaskData, int, error) {
	ctx := r.Context()
	id := r.PathValue("id")
	list, err := s.source.Load()
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	t, ok := tasks.ByID(list)[id]
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("task %q not found", id)
	}

	// Reading never creates a record.
	row, err := s.state.DB().Queries().GetTask(ctx, id)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	data := &TaskData{
		Task:    t,
		Blocked: scheduler.Blocked(list, scheduler.Options{IncludeInProgress: true})[id],
	}
	if row != nil {
		if data.State, err = s.state.GetTaskState(ctx, id); err != nil {
			return nil, http.StatusInternalServerError, err
		}
		q := s.state.DB().Queries()
		for _, a := range data.State.Attempts {
			checks, err := q.ListCheckRuns(ctx, id, a.Session, a.Number)
			if err != nil {
				return nil, http.StatusInternalServerError, err
			}
			data.Attempts = append(data.Attempts, AttemptRow{
				TaskAttempt: a,
				HasLog:      s.logs != nil,
				CheckRuns:   checks,
			})
		}
	}
	if data.Events, err = s.state.DB().Queries().ListEvents(ctx, id, 50); err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return data, http.StatusOK, nil
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	data, code, err := s.taskData(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	s.execTemplate(w, s.taskTmpl, data)
}

// handleAttemptLog serves the stored prompt, agent output or hook output of
// one attempt as plain text.
func (s *Server) handleAttemptLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.NotFound(w, r)
		return
	}
	session, err1 := strconv.Atoi(r.PathValue("session"))
	attempt, err2 := strconv.Atoi(r.PathValue("attempt"))
	if err1 != nil || err2 != nil || session < 1 || attempt < 1 {
		http.Error(w, "invalid session or attempt", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	var text string
	var err error
	switch r.PathValue("kind") {
	case "prompt":
		text, err = s.logs.GetPrompt(id, session, attempt)
	case "output":
		text, err = s.logs.GetOutput(id, session, attempt)
	case "hooks":
		text, err = s.logs.GetHookOutput(id, session, attempt)
	default:
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, text)
}

// ---- JSON API ----

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.source.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rep, err := report.Build(r.Context(), s.state, list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleAPITask(w http.ResponseWriter, r *http.Request) {
	data, code, err := s.taskData(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, struct {
		Task    tasks.Task       `json:"task"`
		State   *state.TaskState `json:"state"`
		Blocked []string         `json:"waits_on,omitempty"`
		Events  []db.RunEvent    `json:"events"`
	}{data.Task, data.State, data.Blocked, data.Events})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	stats, err := analytics.Build(r.Context(), s.state.DB(), r.URL.Query().Get("since"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.state.DB().Queries().ListEvents(r.Context(), r.URL.Query().Get("task"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []db.RunEvent{}
	}
	writeJSON(w, events)
}
