// Package session implements per-user conversation sessions: the turn-taking
// state, the transcript, and fan-out of events to connected browser views.
package session

import "github.com/okorelov/voxlab/internal/domain"

// State is the conversational phase of a session.
type State string

// Conversation states. Exactly one applies to a session at any instant.
const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateReady             State = "ready"
	StateListening         State = "listening"
	StateProcessing        State = "processing"
	StateAssistantSpeaking State = "assistant_speaking"
	StateError             State = "error"
	StateStopped           State = "stopped"
)

// Connected reports whether the state represents a live upstream session.
// This is the only place connectivity is derived; it is never stored
// independently of the state.
func (s State) Connected() bool {
	switch s {
	case StateReady, StateListening, StateProcessing, StateAssistantSpeaking:
		return true
	default:
		return false
	}
}

// Event is one outbound event delivered to session subscribers.
//
// The set of implementations is closed: status, log, audio, control and
// chat_message. Each carries its wire "type" tag so subscribers can marshal
// events directly to JSON.
type Event interface {
	eventType() string
}

// StatusEvent reflects the session's current state to clients.
type StatusEvent struct {
	Type      string `json:"type"`
	State     State  `json:"state"`
	Message   string `json:"message"`
	LastError string `json:"last_error,omitempty"`
	Connected bool   `json:"connected"`
}

func (StatusEvent) eventType() string { return "status" }

// LogEvent carries a human-readable diagnostic line.
type LogEvent struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

func (LogEvent) eventType() string { return "log" }

// AudioEvent carries one chunk of synthesized assistant audio.
type AudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func (AudioEvent) eventType() string { return "audio" }

// ControlEvent instructs clients to take an immediate local action.
type ControlEvent struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

func (ControlEvent) eventType() string { return "control" }

// ChatMessageEvent announces a committed transcript turn.
type ChatMessageEvent struct {
	Type    string          `json:"type"`
	Message domain.ChatTurn `json:"message"`
}

func (ChatMessageEvent) eventType() string { return "chat_message" }

// NewLogEvent builds a log event.
func NewLogEvent(msg string) LogEvent {
	return LogEvent{Type: "log", Msg: msg}
}

// NewAudioEvent builds an audio event from base64-encoded PCM16.
func NewAudioEvent(b64 string) AudioEvent {
	return AudioEvent{Type: "audio", Audio: b64}
}

// StopPlayback is the control event telling clients to halt audio playback
// immediately, ahead of any upstream cancellation round-trip.
func StopPlayback() ControlEvent {
	return ControlEvent{Type: "control", Action: "stop_playback"}
}

// NewChatMessageEvent builds a chat_message event.
func NewChatMessageEvent(turn domain.ChatTurn) ChatMessageEvent {
	return ChatMessageEvent{Type: "chat_message", Message: turn}
}
