package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/okorelov/voxlab/internal/assistant"
	"github.com/okorelov/voxlab/internal/domain"
	"github.com/okorelov/voxlab/internal/identity"
	"github.com/okorelov/voxlab/internal/session"
)

// HandleStart begins a new upstream run for the caller's session.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	if id == "" {
		Error(w, http.StatusBadRequest, "missing session identity")
		return
	}

	// Credentials are checked here, not at boot, so the server can run
	// without an upstream configured.
	if err := h.cfg.VoiceLive.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := h.registry.GetOrCreate(r.Context(), id)
	conn := assistant.New(sess, assistant.Config{
		Endpoint:     h.cfg.VoiceLive.Endpoint,
		APIKey:       h.cfg.VoiceLive.APIKey,
		Model:        h.cfg.VoiceLive.Model,
		Voice:        h.cfg.VoiceLive.Voice,
		Instructions: h.cfg.VoiceLive.Instructions,
	}, h.dialer)

	if _, err := sess.BeginRun(conn); err != nil {
		if errors.Is(err, session.ErrRunActive) {
			JSON(w, http.StatusOK, map[string]interface{}{
				"started": false,
				"reason":  "already running",
			})
			return
		}
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	sess.Update(session.StateStarting, "Starting session...")
	slog.Info("session run started", "session_id", id)

	// The run outlives this request.
	go conn.Run(context.Background())

	JSON(w, http.StatusOK, map[string]interface{}{
		"started":    true,
		"session_id": id,
	})
}

// HandleStop ends the caller's active run. Shutdown is cooperative with a
// bounded wait; a run that does not wind down in time is forced to stopped.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	sess, ok := h.registry.Get(id)
	if !ok {
		JSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
		return
	}

	a := sess.Active()
	if a == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
		return
	}

	a.Stop()

	select {
	case <-sess.Done():
	case <-time.After(h.cfg.StopTimeout):
		slog.Warn("run did not stop in time, forcing", "session_id", id, "timeout", h.cfg.StopTimeout)
		sess.FinishRun(a)
	}

	sess.Update(session.StateStopped, "Session stopped manually.")
	JSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// HandleInterrupt cancels the in-flight assistant response without ending
// the session.
func (h *Handler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	sess, ok := h.registry.Get(id)
	if !ok {
		JSON(w, http.StatusBadRequest, map[string]interface{}{"interrupted": false})
		return
	}

	a := sess.Active()
	if a == nil {
		JSON(w, http.StatusBadRequest, map[string]interface{}{"interrupted": false})
		return
	}

	a.Interrupt(r.Context())
	sess.Broadcast(session.StopPlayback())
	JSON(w, http.StatusOK, map[string]interface{}{"interrupted": true})
}

type audioRequest struct {
	Audio string `json:"audio"`
}

// HandleAudio accepts one base64 audio chunk over plain HTTP. The WebSocket
// ingress is preferred; this path exists for clients without WebSocket
// support.
func (h *Handler) HandleAudio(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())

	var req audioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid audio encoding")
		return
	}

	sess, ok := h.registry.Get(id)
	if !ok {
		JSON(w, http.StatusOK, map[string]interface{}{"sent": false})
		return
	}
	a := sess.Active()
	if a == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"sent": false})
		return
	}

	if err := a.SendAudio(r.Context(), chunk); err != nil {
		slog.Warn("failed to forward audio chunk", "session_id", id, "error", err)
		Error(w, http.StatusBadGateway, "failed to forward audio")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sent": true})
}

// HandleHistory returns the session's in-memory transcript.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())

	messages := []domain.ChatTurn{}
	if sess, ok := h.registry.Get(id); ok {
		messages = sess.Transcript()
	}

	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}
