package session

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically evicts sessions
// with no subscribers, no active run, and no activity within ttl. Evicted
// transcripts remain in the store and are re-seeded if the user returns.
func (r *Registry) StartReaper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("session reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := r.Reap(time.Now(), ttl); n > 0 {
					slog.Info("session reaper evicted idle sessions", "count", n)
				}
			case <-ctx.Done():
				slog.Info("session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Reap removes every session idle longer than ttl as of now. Returns the
// number of sessions evicted.
func (r *Registry) Reap(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for id, s := range r.sessions {
		if s.reapable(now, ttl) {
			delete(r.sessions, id)
			n++
			slog.Debug("session evicted", "session_id", id)
		}
	}
	return n
}
