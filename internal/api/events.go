package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/okorelov/voxlab/internal/identity"
)

// sseRetryDelayMs tells reconnecting EventSource clients how long to back
// off before retrying.
const sseRetryDelayMs = 3000

// HandleEvents streams the session's events over SSE. A subscriber receives
// a status snapshot first, then every subsequent event in order until it
// disconnects.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	if id == "" {
		Error(w, http.StatusBadRequest, "missing session identity")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", sseRetryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", id)
		return
	}
	flusher.Flush()

	sess := h.registry.GetOrCreate(r.Context(), id)
	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)

	slog.Info("event stream connected", "session_id", id, "subscribers", sess.SubscriberCount())
	defer slog.Info("event stream closed", "session_id", id)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to marshal session event", "error", err, "session_id", id)
				continue
			}
			if err := writeSSE(w, "message", string(data)); err != nil {
				slog.Debug("SSE write failed, dropping subscriber", "error", err, "session_id", id)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
