package assistant

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/okorelov/voxlab/internal/domain"
	"github.com/okorelov/voxlab/internal/session"
)

// Conn drives one upstream run for one session: it owns the stream, applies
// turn-taking transitions to the session, and enforces the barge-in rule.
// A Conn is single-use; a restarted session gets a fresh Conn.
type Conn struct {
	sess   *session.Session
	cfg    Config
	dialer Dialer

	mu                sync.Mutex
	stream            Stream
	responseCancelled bool
	stopping          bool
}

var _ session.Assistant = (*Conn)(nil)

// New creates a connection for sess. Run must be called to start it.
func New(sess *session.Session, cfg Config, dialer Dialer) *Conn {
	return &Conn{sess: sess, cfg: cfg, dialer: dialer}
}

// Run dials the upstream, configures the session, and consumes events until
// the stream ends, an unrecoverable error occurs, or Stop is called. Every
// exit path transitions the session to stopped and releases the run handle;
// failures are surfaced through the session state, never returned.
func (c *Conn) Run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()

		if c.sess.FinishRun(c) {
			c.sess.Update(session.StateStopped, "Session ended")
		}
	}()

	c.sess.Broadcast(session.NewLogEvent("Connecting to " + c.cfg.Endpoint + "..."))

	stream, err := c.dialer.Dial(ctx, c.cfg)
	if err != nil {
		slog.Error("failed to connect to speech service", "session_id", c.sess.ID, "error", err)
		c.sess.Fail("Connection failed: "+err.Error(), err.Error())
		return
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			slog.Debug("failed to close upstream stream", "session_id", c.sess.ID, "error", closeErr)
		}
	}()

	c.mu.Lock()
	c.stream = stream
	c.responseCancelled = false
	c.mu.Unlock()

	for {
		if c.isStopping() {
			return
		}

		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || c.isStopping() || ctx.Err() != nil {
				return
			}
			slog.Error("upstream stream failed", "session_id", c.sess.ID, "error", err)
			c.sess.Fail("Crash: "+err.Error(), err.Error())
			return
		}

		// Stop may have landed while Next was blocked; a forced teardown
		// has already set the terminal state, and handling this event
		// would overwrite it.
		if c.isStopping() {
			return
		}

		c.handleEvent(ctx, stream, ev)
	}
}

func (c *Conn) handleEvent(ctx context.Context, stream Stream, ev ServerEvent) {
	switch ev := ev.(type) {
	case SessionReady:
		c.sess.Update(session.StateReady, "Session ready. Speak now.")

	case SpeechStarted:
		// Capture the phase before transitioning: the barge-in decision
		// depends on what the assistant was doing when the user spoke.
		prev := c.sess.State()
		c.sess.Update(session.StateListening, "Listening...")

		// Tell clients to kill playback now, ahead of the upstream
		// cancel round-trip.
		c.sess.Broadcast(session.StopPlayback())

		if prev == session.StateAssistantSpeaking || prev == session.StateProcessing {
			c.setCancelled(true)
			if err := stream.CancelResponse(ctx); err != nil {
				// Local suppression already applied; the flag alone
				// keeps stale audio from reaching clients.
				slog.Warn("upstream response cancel failed", "session_id", c.sess.ID, "error", err)
			}
		}

	case SpeechStopped:
		c.sess.Update(session.StateProcessing, "Processing...")

	case AudioDelta:
		if c.cancelled() {
			return
		}
		if c.sess.State() != session.StateAssistantSpeaking {
			c.sess.Update(session.StateAssistantSpeaking, "Assistant speaking...")
		}
		if len(ev.Audio) > 0 {
			c.sess.Broadcast(session.NewAudioEvent(base64.StdEncoding.EncodeToString(ev.Audio)))
		}

	case AudioDone:
		// Re-arms audio forwarding for the next utterance.
		c.setCancelled(false)
		c.sess.Update(session.StateReady, "Finished speaking.")

	case UserTranscript:
		if ev.Text != "" {
			c.sess.RecordTurn(ctx, domain.RoleUser, ev.Text)
		}

	case AssistantTranscript:
		if ev.Text != "" {
			c.sess.RecordTurn(ctx, domain.RoleAssistant, ev.Text)
		}

	case UpstreamError:
		c.sess.Fail("Upstream error: "+ev.Message, ev.Message)
	}
}

// SendAudio forwards one inbound audio chunk to the upstream stream. A no-op
// when no stream is live: callers may send audio slightly before or after
// the session window without special-casing.
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.AppendAudio(ctx, chunk)
}

// Interrupt suppresses the in-flight assistant response locally and
// best-effort asks the upstream to cancel it.
func (c *Conn) Interrupt(ctx context.Context) {
	c.mu.Lock()
	c.responseCancelled = true
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.CancelResponse(ctx); err != nil {
		slog.Warn("interrupt: upstream response cancel failed", "session_id", c.sess.ID, "error", err)
	}
}

// Stop requests cooperative shutdown. The event loop observes the flag once
// per iteration; callers needing a hard deadline combine this with a bounded
// wait on the session's run handle.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

func (c *Conn) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Conn) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseCancelled
}

func (c *Conn) setCancelled(v bool) {
	c.mu.Lock()
	c.responseCancelled = v
	c.mu.Unlock()
}
