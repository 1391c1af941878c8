// Package domain contains core domain types.
package domain

import "time"

// ChatTurn is one committed turn of a conversation.
type ChatTurn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Valid chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
