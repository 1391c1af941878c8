// Package identity assigns each browser a stable anonymous session identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/okorelov/voxlab/internal/session"
)

const (
	// SessionCookieName carries the caller's session id between requests.
	SessionCookieName = "voxlab_session_id"
	sessionCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const sessionIDKey contextKey = iota

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

func setSessionCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieAge.Seconds()),
		Expires:  time.Now().Add(sessionCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func sessionIDFromRequest(r *http.Request) string {
	// The query parameter exists for EventSource and WebSocket clients that
	// cannot set cookies cross-origin in dev.
	if sid := r.URL.Query().Get("session_id"); session.ValidID(sid) {
		return sid
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && session.ValidID(c.Value) {
		return c.Value
	}
	return ""
}

// Middleware resolves the caller's session id, minting a fresh one on first
// contact, and refreshes the cookie on every request.
func Middleware(registry *session.Registry, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sessionIDFromRequest(r)
			if id == "" {
				fresh, err := registry.NewID()
				if err != nil {
					http.Error(w, `{"error":"failed to establish session identity"}`, http.StatusInternalServerError)
					return
				}
				id = fresh
			}
			setSessionCookie(w, id, isDev)

			ctx := context.WithValue(r.Context(), sessionIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
