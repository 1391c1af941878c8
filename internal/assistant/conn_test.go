package assistant

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/okorelov/voxlab/internal/session"
)

// fakeStream is a scripted upstream stream: tests emit events into it and
// inspect what the connection sent back.
type fakeStream struct {
	events chan ServerEvent

	mu        sync.Mutex
	appended  [][]byte
	cancels   int
	cancelErr error
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan ServerEvent, 16)}
}

func (s *fakeStream) emit(ev ServerEvent) { s.events <- ev }
func (s *fakeStream) end()                { close(s.events) }

func (s *fakeStream) Next(ctx context.Context) (ServerEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

func (s *fakeStream) AppendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(audio))
	copy(buf, audio)
	s.appended = append(s.appended, buf)
	return nil
}

func (s *fakeStream) CancelResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return s.cancelErr
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *fakeStream) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	stream Stream
	err    error
}

func (d fakeDialer) Dial(context.Context, Config) (Stream, error) {
	return d.stream, d.err
}

func testConfig() Config {
	return Config{
		Endpoint:     "wss://speech.example.com",
		APIKey:       "key",
		Model:        "gpt-realtime",
		Voice:        "en-US-Ava",
		Instructions: "You are a helpful assistant.",
	}
}

// startRun wires a connection to sess the way the start handler does and
// runs it in the background.
func startRun(t *testing.T, sess *session.Session, dialer Dialer) (*Conn, <-chan struct{}) {
	t.Helper()

	conn := New(sess, testConfig(), dialer)
	done, err := sess.BeginRun(conn)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	sess.Update(session.StateStarting, "Starting session...")
	go conn.Run(context.Background())
	return conn, done
}

func waitState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", want, sess.State())
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for run to finish")
	}
}

func newRunSession() *session.Session {
	reg := session.NewRegistry(nil, 64)
	return reg.GetOrCreate(context.Background(), "sess_run")
}

func TestRunStartingToReady(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	_, done := startRun(t, sess, fakeDialer{stream: stream})

	if sess.State() != session.StateStarting && sess.State() != session.StateReady {
		t.Errorf("Expected starting before upstream ack, got %s", sess.State())
	}

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	snap := sess.Snapshot()
	if !snap.Connected {
		t.Error("Expected connected=true in ready state")
	}

	stream.end()
	waitDone(t, done)
	waitState(t, sess, session.StateStopped)
	if sess.Running() {
		t.Error("Expected run handle released after stream close")
	}
}

func TestSpeechStartedFromReadyNoCancel(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	_, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	<-sub.Events() // snapshot

	stream.emit(SpeechStarted{})
	waitState(t, sess, session.StateListening)

	if n := stream.cancelCount(); n != 0 {
		t.Errorf("Expected no cancel request when nothing is playing, got %d", n)
	}

	// stop_playback still goes out immediately, after the status update.
	sawControl := false
	timeout := time.After(time.Second)
	for !sawControl {
		select {
		case ev := <-sub.Events():
			if ctl, ok := ev.(session.ControlEvent); ok && ctl.Action == "stop_playback" {
				sawControl = true
			}
		case <-timeout:
			t.Fatal("Timed out waiting for stop_playback control event")
		}
	}

	stream.end()
	waitDone(t, done)
}

func TestBargeInCancelsOnceAndDropsStaleAudio(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	conn, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	<-sub.Events() // snapshot

	stream.emit(AudioDelta{Audio: []byte{1, 2}})
	waitState(t, sess, session.StateAssistantSpeaking)

	// User talks over the assistant.
	stream.emit(SpeechStarted{})
	waitState(t, sess, session.StateListening)

	waitCond(t, "upstream cancel request", func() bool { return stream.cancelCount() == 1 })
	if !conn.cancelled() {
		t.Error("Expected responseCancelled set on barge-in")
	}

	// Tail audio of the interrupted utterance must be dropped.
	stream.emit(AudioDelta{Audio: []byte{3, 4}})
	stream.emit(AudioDelta{Audio: []byte{5, 6}})

	// End of the interrupted response re-arms forwarding.
	stream.emit(AudioDone{})
	waitState(t, sess, session.StateReady)
	if conn.cancelled() {
		t.Error("Expected responseCancelled cleared after audio done")
	}

	stream.emit(AudioDelta{Audio: []byte{7, 8}})
	waitState(t, sess, session.StateAssistantSpeaking)

	stream.end()
	waitDone(t, done)

	// The run has finished, so every broadcast is already queued. Drain and
	// count the audio events actually delivered: the pre-barge-in chunk and
	// the post-re-arm chunk, nothing in between.
	var audio []string
drain:
	for {
		select {
		case ev := <-sub.Events():
			if a, ok := ev.(session.AudioEvent); ok {
				audio = append(audio, a.Audio)
			}
		default:
			break drain
		}
	}
	want := []string{
		base64.StdEncoding.EncodeToString([]byte{1, 2}),
		base64.StdEncoding.EncodeToString([]byte{7, 8}),
	}
	if len(audio) != 2 || audio[0] != want[0] || audio[1] != want[1] {
		t.Errorf("Expected audio events %v, got %v", want, audio)
	}
	if n := stream.cancelCount(); n != 1 {
		t.Errorf("Cancel request count changed after barge-in, got %d", n)
	}
}

func TestUpstreamErrorThenStopped(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	_, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	stream.emit(UpstreamError{Message: "quota exceeded"})
	waitState(t, sess, session.StateError)

	snap := sess.Snapshot()
	if snap.LastError != "quota exceeded" {
		t.Errorf("Expected lastError %q, got %q", "quota exceeded", snap.LastError)
	}
	if snap.Connected {
		t.Error("Expected connected=false in error state")
	}

	// The upstream closing ends the run; it still funnels through stopped.
	stream.end()
	waitDone(t, done)
	waitState(t, sess, session.StateStopped)

	if snap := sess.Snapshot(); snap.LastError != "quota exceeded" {
		t.Errorf("Expected lastError preserved through stop, got %q", snap.LastError)
	}
}

func TestStopMidListening(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	conn, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	stream.emit(SpeechStarted{})
	waitState(t, sess, session.StateListening)

	conn.Stop()
	// The flag is polled, not preemptive: one more upstream event lets the
	// loop observe it.
	stream.emit(SpeechStopped{})

	waitDone(t, done)
	waitState(t, sess, session.StateStopped)
	if sess.Snapshot().LastError != "" {
		t.Errorf("Stop must not record an error, got %q", sess.Snapshot().LastError)
	}
}

func TestForcedStopDiscardsLateEvent(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	conn, _ := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	stream.emit(SpeechStarted{})
	waitState(t, sess, session.StateListening)

	// A caller giving up on the cooperative stop forces the teardown while
	// the loop is still blocked on the upstream.
	conn.Stop()
	if !sess.FinishRun(conn) {
		t.Fatal("Expected forced FinishRun to clear the run")
	}
	sess.Update(session.StateStopped, "Session stopped manually.")

	// An event already in flight when the stop landed must not be handled.
	stream.emit(SpeechStopped{})

	// The loop exits and closes its stream once it observes the flag.
	waitCond(t, "stale run to exit", stream.isClosed)

	if got := sess.State(); got != session.StateStopped {
		t.Errorf("Expected terminal state preserved, got %s", got)
	}
	if snap := sess.Snapshot(); snap.Connected {
		t.Error("Expected connected=false after forced stop")
	}
	if sess.Running() {
		t.Error("Expected no active run after forced stop")
	}
}

func TestSendAudioWithoutStreamIsNoop(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	conn := New(sess, testConfig(), fakeDialer{stream: newFakeStream()})

	if err := conn.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Errorf("Expected no-op send to succeed, got %v", err)
	}
}

func TestSendAudioForwardsDuringRun(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	conn, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	if err := conn.SendAudio(context.Background(), []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if n := stream.appendCount(); n != 1 {
		t.Errorf("Expected 1 forwarded chunk, got %d", n)
	}

	stream.end()
	waitDone(t, done)
}

func TestInterruptSurvivesCancelFailure(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	stream := newFakeStream()
	stream.cancelErr = errors.New("cancel rejected")
	conn, done := startRun(t, sess, fakeDialer{stream: stream})

	stream.emit(SessionReady{})
	waitState(t, sess, session.StateReady)

	conn.Interrupt(context.Background())
	if !conn.cancelled() {
		t.Error("Expected local suppression applied despite cancel failure")
	}

	// Suppression holds: the next delta is dropped.
	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	<-sub.Events() // snapshot

	stream.emit(AudioDelta{Audio: []byte{1}})
	stream.emit(AudioDone{})
	stream.end()
	waitDone(t, done)

	for {
		select {
		case ev := <-sub.Events():
			if _, ok := ev.(session.AudioEvent); ok {
				t.Error("Expected suppressed audio not to reach subscribers")
			}
			continue
		default:
		}
		break
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	sess := newRunSession()
	_, done := startRun(t, sess, fakeDialer{err: errors.New("connection refused")})

	waitDone(t, done)
	waitState(t, sess, session.StateStopped)

	if snap := sess.Snapshot(); snap.LastError != "connection refused" {
		t.Errorf("Expected lastError from dial failure, got %q", snap.LastError)
	}
	if sess.Running() {
		t.Error("Expected run handle released after dial failure")
	}
}
