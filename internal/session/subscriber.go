package session

import (
	"log/slog"
	"sync"
)

// Subscriber is one event sink attached to a session, typically backing a
// single SSE connection. Its queue is bounded: when full, the oldest queued
// event is dropped so a stalled client can never block the broadcaster or
// starve other subscribers.
type Subscriber struct {
	ch        chan Event
	closeOnce sync.Once
}

func newSubscriber(queueSize int) *Subscriber {
	return &Subscriber{ch: make(chan Event, queueSize)}
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscriber is removed from its session.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// push enqueues without blocking. Callers must hold the owning session's
// lock, which serializes pushes and orders them against close.
func (s *Subscriber) push(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest event to make room, then try again. The
	// retry can still lose the race against a concurrent reader, in which
	// case the new event is dropped instead.
	select {
	case dropped := <-s.ch:
		slog.Debug("subscriber queue full, dropped oldest event", "dropped_type", dropped.eventType())
	default:
	}

	select {
	case s.ch <- ev:
	default:
		slog.Warn("subscriber queue full, event dropped", "type", ev.eventType())
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
