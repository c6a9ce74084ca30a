// Package web serves a read-only dashboard over the task file and the
// execution state.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/taskfactory/internal/artifact"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": badgeClass,
	"passClass":  passClass,
	"relTime":    relTime,
	"markdown":   renderMarkdown,
	"money":      money,
}

func badgeClass(status string) string {
	if status == "" {
		status = "none"
	}
	return "badge badge-" + strings.ReplaceAll(status, "_", "-")
}

func passClass(passed bool) string {
	if passed {
		return "result-pass"
	}
	return "result-fail"
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

// Source loads the task list.
type Source interface {
	Load() ([]tasks.Task, error)
}

// Server is the read-only web UI server.
type Server struct {
	state  *state.ExecutorState
	source Source
	logs   *artifact.Store
	log    *slog.Logger

	pollInterval time.Duration

	dashboardTmpl *template.Template
	taskTmpl      *template.Template
}

// NewServer creates a Server with parsed templates. logs may be nil, in
// which case attempt transcripts are not served.
func NewServer(st *state.ExecutorState, source Source, logs *artifact.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		state:         st,
		source:        source,
		logs:          logs,
		log:           logger.With("component", "web"),
		pollInterval:  time.Second,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		taskTmpl:      mustParseTmpl("base.html", "task.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /tasks/{id}/attempts/{session}/{attempt}/{kind}", s.handleAttemptLog)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleAPITask)
	mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /ws/events", s.handleLiveEvents)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
