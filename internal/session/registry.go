package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/okorelov/voxlab/internal/domain"
	"github.com/okorelov/voxlab/internal/store"
)

// idPattern matches identifiers produced by NewID.
var idPattern = regexp.MustCompile(`^sess_[a-f0-9]{32}$`)

// Registry owns all sessions in the process, keyed by session id.
type Registry struct {
	store     store.TranscriptStore
	queueSize int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. Sessions created through it persist
// their transcripts to ts and seed from it on first access.
func NewRegistry(ts store.TranscriptStore, queueSize int) *Registry {
	return &Registry{
		store:     ts,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first access.
// Exactly one Session instance ever exists per id, even under concurrent
// first access. New sessions are seeded with any previously persisted
// transcript; a seed failure is logged and the session starts empty.
func (r *Registry) GetOrCreate(ctx context.Context, id string) *Session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	// Load history outside the write lock; discarded if another caller
	// created the session first.
	history := r.loadHistory(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sessions[id]; s != nil {
		return s
	}
	s = newSession(id, r.store, r.queueSize, history)
	r.sessions[id] = s
	slog.Info("session created", "session_id", id, "seeded_turns", len(history))
	return s
}

func (r *Registry) loadHistory(ctx context.Context, id string) []domain.ChatTurn {
	if r.store == nil {
		return nil
	}
	turns, err := r.store.ListTurns(ctx, id)
	if err != nil {
		slog.Warn("failed to seed session transcript", "session_id", id, "error", err)
		return nil
	}
	return turns
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// NewID generates a fresh globally-unique session identifier.
func (r *Registry) NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(buf), nil
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
