package assistant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveAPIVersion        = "2025-05-01-preview"
	liveConnectTimeout    = 15 * time.Second
	liveMaxMessageBytes   = 10 * 1024 * 1024
	liveEventBuffer       = 32
	liveCloseGraceTimeout = time.Second
)

// VoiceLiveDialer opens streams against the Voice Live realtime WebSocket
// API. It implements Dialer.
type VoiceLiveDialer struct{}

// Dial connects, sends the session configuration, and returns a live stream.
func (VoiceLiveDialer) Dial(ctx context.Context, cfg Config) (Stream, error) {
	endpoint, err := liveURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("api-key", cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: liveConnectTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial speech service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial speech service: %w", err)
	}
	ws.SetReadLimit(liveMaxMessageBytes)

	s := &liveStream{
		ws:     ws,
		events: make(chan ServerEvent, liveEventBuffer),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	if err := s.configure(ctx, cfg); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}

	return s, nil
}

// liveURL builds the realtime endpoint URL from the configured service
// endpoint, rewriting http(s) schemes to their WebSocket equivalents.
func liveURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/voice-live/realtime"

	q := u.Query()
	q.Set("api-version", liveAPIVersion)
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// liveStream is one live WebSocket connection. A reader-pump goroutine feeds
// decoded events into a channel so Next is context-cancellable and Close
// unblocks a pending read.
type liveStream struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	events    chan ServerEvent
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *liveStream) readLoop() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			s.errc <- err
			close(s.events)
			return
		}

		ev, ok := decodeServerEvent(data)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Next returns the next upstream event. A clean close is reported as io.EOF.
func (s *liveStream) Next(ctx context.Context) (ServerEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return nil, <-s.errc
		}
		return ev, nil
	}
}

// AppendAudio forwards one chunk of raw PCM16 input audio.
func (s *liveStream) AppendAudio(_ context.Context, audio []byte) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

// CancelResponse asks the upstream to abort the in-flight response.
func (s *liveStream) CancelResponse(context.Context) error {
	return s.writeJSON(map[string]any{"type": "response.cancel"})
}

// Close tears down the connection. The reader pump exits on the read error
// triggered by the close.
func (s *liveStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		deadline := time.Now().Add(liveCloseGraceTimeout)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()

		err = s.ws.Close()
	})
	return err
}

func (s *liveStream) configure(_ context.Context, cfg Config) error {
	// Voice identities with a locale prefix (en-US-...) are standard
	// platform voices and need the structured form.
	var voice any = cfg.Voice
	if strings.Contains(cfg.Voice, "-") {
		voice = map[string]any{"name": cfg.Voice, "type": "azure-standard"}
	}

	return s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        cfg.Instructions,
			"voice":               voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
}

func (s *liveStream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal client message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write client message: %w", err)
	}
	return nil
}

// serverMessage is the upstream wire envelope. Only the fields the event
// loop consumes are decoded.
type serverMessage struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// decodeServerEvent maps one wire message onto the closed ServerEvent set.
// Unknown message types are dropped here so the dispatch stays exhaustive.
func decodeServerEvent(data []byte) (ServerEvent, bool) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("discarding malformed upstream message", "error", err)
		return nil, false
	}

	switch msg.Type {
	case "session.updated":
		return SessionReady{}, true
	case "input_audio_buffer.speech_started":
		return SpeechStarted{}, true
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{}, true
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			slog.Debug("discarding audio delta with invalid payload", "error", err)
			return nil, false
		}
		return AudioDelta{Audio: audio}, true
	case "response.audio.done":
		return AudioDone{}, true
	case "conversation.item.input_audio_transcription.completed":
		return UserTranscript{Text: msg.Transcript}, true
	case "response.audio_transcript.done":
		return AssistantTranscript{Text: msg.Transcript}, true
	case "error":
		errMsg := "unknown error"
		if msg.Error != nil && msg.Error.Message != "" {
			errMsg = msg.Error.Message
		}
		return UpstreamError{Message: errMsg}, true
	default:
		slog.Debug("ignoring upstream event", "type", msg.Type)
		return nil, false
	}
}
