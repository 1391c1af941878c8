package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okorelov/voxlab/internal/domain"
	"github.com/okorelov/voxlab/internal/store"
)

// ErrRunActive is returned by BeginRun when the session already has a live
// assistant connection.
var ErrRunActive = errors.New("session already has an active run")

// Assistant is the handle a Session keeps on its active upstream connection.
// Implemented by the assistant package; abstracted here so the session layer
// does not depend on the upstream wiring.
type Assistant interface {
	// SendAudio forwards one inbound audio chunk upstream. A no-op when no
	// upstream stream is live.
	SendAudio(ctx context.Context, chunk []byte) error

	// Interrupt cancels any in-flight assistant response, best-effort.
	Interrupt(ctx context.Context)

	// Stop requests cooperative shutdown of the run loop.
	Stop()
}

// Session is one user's conversational context. All mutable fields are
// guarded by mu; sessions are fully independent of each other.
type Session struct {
	ID string

	store     store.TranscriptStore
	queueSize int

	mu         sync.Mutex
	state      State
	message    string
	lastError  string
	transcript []domain.ChatTurn
	subs       map[*Subscriber]struct{}
	active     Assistant
	done       chan struct{}
	holds      int
	lastActive time.Time
}

func newSession(id string, ts store.TranscriptStore, queueSize int, history []domain.ChatTurn) *Session {
	return &Session{
		ID:         id,
		store:      ts,
		queueSize:  queueSize,
		state:      StateIdle,
		message:    "Select 'Start Session' to begin",
		transcript: history,
		subs:       make(map[*Subscriber]struct{}),
		lastActive: time.Now(),
	}
}

// Update transitions the session and broadcasts a status event to all
// current subscribers.
func (s *Session) Update(state State, message string) {
	s.applyUpdate(state, message, "")
}

// Fail transitions the session into the error state, recording errMsg as the
// sticky last error.
func (s *Session) Fail(message, errMsg string) {
	s.applyUpdate(StateError, message, errMsg)
}

func (s *Session) applyUpdate(state State, message, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.message = message
	if errMsg != "" {
		s.lastError = errMsg
	}
	s.lastActive = time.Now()

	s.broadcastLocked(s.statusLocked())
}

func (s *Session) statusLocked() StatusEvent {
	return StatusEvent{
		Type:      "status",
		State:     s.state,
		Message:   s.message,
		LastError: s.lastError,
		Connected: s.state.Connected(),
	}
}

// Broadcast pushes an event to every current subscriber without blocking.
func (s *Session) Broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(ev)
}

func (s *Session) broadcastLocked(ev Event) {
	for sub := range s.subs {
		sub.push(ev)
	}
}

// Subscribe registers a new event sink. The sink immediately receives one
// status event reflecting the current state, so a newly attached view is
// never blank.
func (s *Session) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := newSubscriber(s.queueSize)
	s.subs[sub] = struct{}{}
	s.lastActive = time.Now()
	sub.push(s.statusLocked())
	return sub
}

// Unsubscribe removes a sink and closes its channel. Idempotent.
func (s *Session) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	s.lastActive = time.Now()
	sub.close()
}

// SubscriberCount returns the number of attached sinks.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// RecordTurn appends a turn to the in-memory transcript, persists it
// best-effort, and broadcasts a chat_message event. Persistence failures are
// logged and never interrupt the live conversation.
func (s *Session) RecordTurn(ctx context.Context, role, text string) {
	turn := domain.ChatTurn{Role: role, Text: text, CreatedAt: time.Now()}

	s.mu.Lock()
	s.transcript = append(s.transcript, turn)
	s.lastActive = time.Now()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendTurn(ctx, s.ID, role, text); err != nil {
			slog.Warn("failed to persist chat turn", "session_id", s.ID, "role", role, "error", err)
		}
	}

	s.Broadcast(NewChatMessageEvent(turn))
}

// Transcript returns a copy of the in-memory transcript.
func (s *Session) Transcript() []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ChatTurn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// State returns the current conversational state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current status fields.
func (s *Session) Snapshot() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// BeginRun installs a as the session's active assistant connection and
// returns a handle that is closed when the run finishes. A session holds at
// most one live run; starting a second returns ErrRunActive.
func (s *Session) BeginRun(a Assistant) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrRunActive
	}
	s.active = a
	s.done = make(chan struct{})
	s.lastActive = time.Now()
	return s.done, nil
}

// FinishRun clears the active connection and releases anyone waiting on the
// run handle, but only if a is still the active connection. Both the run
// loop's deferred call and a stop handler's forced call may land; the
// compare-and-clear keeps a stale call from tearing down a newer run.
// Returns true if this call performed the clear.
func (s *Session) FinishRun(a Assistant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != a || a == nil {
		return false
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.active = nil
	s.lastActive = time.Now()
	return true
}

// Active returns the current assistant connection, or nil.
func (s *Session) Active() Assistant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Running reports whether an assistant run is in progress.
func (s *Session) Running() bool {
	return s.Active() != nil
}

// Done returns a channel closed when the current run finishes. If no run is
// active the returned channel is already closed.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return s.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Hold marks the session as in use by a transport that is not a subscriber,
// such as an audio ingress socket. A held session is never reaped.
func (s *Session) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds++
	s.lastActive = time.Now()
}

// Release undoes one Hold.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds > 0 {
		s.holds--
	}
	s.lastActive = time.Now()
}

// reapable reports whether the session has been idle long enough to evict:
// no subscribers, no holds, no active run, and no activity within ttl.
func (s *Session) reapable(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && s.holds == 0 && s.active == nil && now.Sub(s.lastActive) > ttl
}
