// Package store provides transcript persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/okorelov/voxlab/internal/domain"
)

// TranscriptStore defines the interface for persisting chat transcripts.
// Persistence is best-effort from the caller's perspective: a failed append
// must never interrupt a live conversation.
type TranscriptStore interface {
	// AppendTurn durably records one chat turn for a session.
	AppendTurn(ctx context.Context, sessionID, role, text string) error

	// ListTurns returns all recorded turns for a session in insertion order.
	ListTurns(ctx context.Context, sessionID string) ([]domain.ChatTurn, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
