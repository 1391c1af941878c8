// Package assistant owns the upstream connection to the realtime speech
// service and the turn-taking state machine driven by its events.
package assistant

// ServerEvent is one event received from the upstream speech service.
//
// The set of implementations is closed; the event loop dispatches
// exhaustively over it. Unknown upstream message types are discarded at the
// wire layer and never surface here.
type ServerEvent interface {
	serverEvent()
}

// SessionReady signals that the upstream accepted the session configuration.
type SessionReady struct{}

func (SessionReady) serverEvent() {}

// SpeechStarted signals that server-side VAD detected the user speaking.
type SpeechStarted struct{}

func (SpeechStarted) serverEvent() {}

// SpeechStopped signals that the user stopped speaking.
type SpeechStopped struct{}

func (SpeechStopped) serverEvent() {}

// AudioDelta carries one chunk of synthesized assistant audio (raw PCM16).
type AudioDelta struct {
	Audio []byte
}

func (AudioDelta) serverEvent() {}

// AudioDone signals the end of the current assistant utterance.
type AudioDone struct{}

func (AudioDone) serverEvent() {}

// UserTranscript carries the committed transcription of a user utterance.
type UserTranscript struct {
	Text string
}

func (UserTranscript) serverEvent() {}

// AssistantTranscript carries the committed text of an assistant utterance.
type AssistantTranscript struct {
	Text string
}

func (AssistantTranscript) serverEvent() {}

// UpstreamError is a service-reported error event. It does not by itself end
// the stream; in practice the upstream closes shortly after.
type UpstreamError struct {
	Message string
}

func (UpstreamError) serverEvent() {}
