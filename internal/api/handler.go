// Package api provides HTTP handlers for the voxlab API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okorelov/voxlab/internal/assistant"
	"github.com/okorelov/voxlab/internal/config"
	"github.com/okorelov/voxlab/internal/session"
)

// Handler provides common handler utilities.
type Handler struct {
	registry    *session.Registry
	cfg         *config.Config
	dialer      assistant.Dialer
	frontendURL string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(registry *session.Registry, cfg *config.Config, dialer assistant.Dialer) *Handler {
	return &Handler{
		registry:    registry,
		cfg:         cfg,
		dialer:      dialer,
		frontendURL: cfg.FrontendURL,
	}
}

// RegisterRoutes registers all session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/stop", h.HandleStop)
		r.Post("/interrupt", h.HandleInterrupt)
		r.Post("/audio", h.HandleAudio)
	})
	r.Get("/api/history", h.HandleHistory)
	r.Get("/api/events", h.HandleEvents)
	r.Get("/ws/audio", h.HandleAudioWS)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	return h.cfg.IsDevelopment()
}
