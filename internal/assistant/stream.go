package assistant

import "context"

// Config holds everything needed to open one upstream session.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
}

// Stream is one live bidirectional connection to the speech service.
// Next, AppendAudio and CancelResponse may be called from different
// goroutines; implementations must tolerate that.
type Stream interface {
	// Next blocks until the next server event, the context is cancelled, or
	// the stream ends. A clean upstream close is reported as io.EOF.
	Next(ctx context.Context) (ServerEvent, error)

	// AppendAudio forwards one chunk of raw PCM16 input audio.
	AppendAudio(ctx context.Context, audio []byte) error

	// CancelResponse asks the upstream to abort the in-flight assistant
	// response. Best-effort; callers treat failure as non-fatal.
	CancelResponse(ctx context.Context) error

	// Close tears down the connection and unblocks a pending Next.
	Close() error
}

// Dialer opens configured upstream streams. Abstracted so tests can drive
// the connection with a scripted stream.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Stream, error)
}
