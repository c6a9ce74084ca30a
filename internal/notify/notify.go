// Package notify posts task status changes to an HTTP endpoint. Delivery is
// best effort: failures are logged and never returned to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event is the JSON body of a notification.
type Event struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name,omitempty"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CostUSD   *float64  `json:"cost_usd,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// HTTP posts events as JSON to a fixed URL.
type HTTP struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     *slog.Logger
}

// New returns an HTTP notifier, or Nop when url is empty.
func New(url string, timeout time.Duration, logger *slog.Logger) Notifier {
	if url == "" {
		return Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		log:     logger.With("component", "notify"),
	}
}

func (h *HTTP) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := h.post(ctx, ev); err != nil {
		h.log.Warn("notification failed", "task", ev.TaskID, "status", ev.Status, "error", err)
	}
}

func (h *HTTP) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
