package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const liveBatch = 100

// handleLiveEvents streams run events over a websocket as they are
// appended. The run loop writes to the same database from another
// process, so new rows are found by polling. Pass ?after=<id> to replay
// from an event id; otherwise only events newer than the connection are
// sent.
func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	} else {
		latest, err := s.state.DB().Queries().ListEvents(r.Context(), "", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(latest) > 0 {
			after = latest[0].ID
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		events, err := s.state.DB().Queries().EventsAfter(ctx, after, liveBatch)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("poll run events", "error", err)
				conn.Close(websocket.StatusInternalError, "event query failed")
			}
			return
		}
		for _, e := range events {
			msg, err := json.Marshal(e)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
			after = e.ID
		}
		if len(events) == liveBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
