package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/okorelov/voxlab/internal/identity"
)

// HandleAudioWS accepts a WebSocket carrying binary PCM16 microphone frames
// and forwards them to the session's active run. Frames arriving while no
// run is live are dropped.
func (h *Handler) HandleAudioWS(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	if id == "" {
		Error(w, http.StatusBadRequest, "missing session identity")
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept audio websocket", "error", err, "session_id", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close audio websocket", "error", closeErr, "session_id", id)
		}
	}()

	sess := h.registry.GetOrCreate(r.Context(), id)
	// The socket holds the session without subscribing; the lease keeps the
	// reaper from evicting it mid-connection.
	sess.Hold()
	defer sess.Release()
	slog.Info("audio websocket connected", "session_id", id, "ip", identity.IPFromRequest(r))

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Info("audio websocket disconnected", "session_id", id)
			} else {
				slog.Debug("audio websocket read failed", "error", err, "session_id", id)
			}
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}

		a := sess.Active()
		if a == nil {
			continue
		}
		if err := a.SendAudio(ctx, data); err != nil {
			slog.Warn("failed to forward audio frame", "error", err, "session_id", id)
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.frontendURL == "" || origin == h.frontendURL {
		return true
	}
	slog.Warn("audio websocket origin rejected", "origin", origin, "allowed", h.frontendURL)
	return false
}
