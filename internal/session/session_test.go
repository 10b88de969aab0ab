package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mockmate/audio-gateway/internal/audio"
	"github.com/mockmate/audio-gateway/internal/device"
	"github.com/mockmate/audio-gateway/internal/reconcile"
	"github.com/mockmate/audio-gateway/internal/resilience"
	"github.com/mockmate/audio-gateway/internal/stt"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) waitFor(t *testing.T, want EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range s.snapshot() {
			if e.Type == want {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event within deadline; got %+v", want, s.snapshot())
	return Event{}
}

func (s *eventSink) count(want EventType) int {
	n := 0
	for _, e := range s.snapshot() {
		if e.Type == want {
			n++
		}
	}
	return n
}

type fixture struct {
	provider *stt.FakeProvider
	queue    *audio.FrameQueue
	history  *reconcile.History
	sink     *eventSink
	devErrs  chan error
	session  *Session
}

func newFixture(provider *stt.FakeProvider, keepAlive time.Duration) *fixture {
	f := &fixture{
		provider: provider,
		queue:    audio.NewFrameQueue(16),
		history:  reconcile.NewHistory(),
		sink:     &eventSink{},
		devErrs:  make(chan error, 1),
	}
	rec := reconcile.NewReconciler(device.Microphone, f.history, zerolog.Nop())
	f.session = New(Config{
		Source:            device.Microphone,
		Session:           stt.SessionConfig{SampleRate: 16000, Channels: 1, Model: "nova-3"},
		ConnectTimeout:    time.Second,
		KeepAliveInterval: keepAlive,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Millisecond,
		},
	}, provider, f.queue, rec, f.devErrs, f.sink.emit)
	return f
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func lastConn(t *testing.T, p *stt.FakeProvider) *stt.FakeConn {
	t.Helper()
	conns := p.Conns()
	if len(conns) == 0 {
		t.Fatal("provider has no connections")
	}
	return conns[len(conns)-1]
}

func TestSession_StreamsAudioAndTranscripts(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, time.Hour)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.session.Stop()

	if f.session.State() != Streaming {
		t.Fatalf("state = %s, want streaming", f.session.State())
	}

	pcm := []byte{1, 2, 3, 4}
	f.queue.TryPush(audio.Frame{PCM: pcm, Timestamp: time.Now()})

	conn := lastConn(t, f.provider)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(conn.Sent()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sent := conn.Sent()
	if len(sent) != 1 || string(sent[0]) != string(pcm) {
		t.Fatalf("sent = %v, want one frame %v", sent, pcm)
	}

	conn.Push(stt.Result{Text: "hello"})
	conn.Push(stt.Result{Text: "hello"}) // duplicate, must be suppressed
	conn.Push(stt.Result{Text: "hello world.", IsFinal: true, Confidence: 0.95})

	final := f.sink.waitFor(t, Final)
	if final.Text != "hello world." || final.Source != device.Microphone {
		t.Errorf("final event = %+v", final)
	}
	if n := f.sink.count(Interim); n != 1 {
		t.Errorf("interim events = %d, want 1 (duplicate suppressed)", n)
	}
	if n := f.sink.count(Final); n != 1 {
		t.Errorf("final events = %d, want exactly 1", n)
	}
	if segs := f.history.Segments(); len(segs) != 1 {
		t.Errorf("history segments = %d, want 1", len(segs))
	}
}

func TestSession_GracefulStop(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, time.Hour)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := lastConn(t, f.provider)

	f.session.Stop()

	if f.session.State() != Closed {
		t.Errorf("state = %s, want closed", f.session.State())
	}
	if !conn.Finalized() {
		t.Error("Stop should finalize pending audio")
	}
	if !conn.Closed() {
		t.Error("Stop should close the connection")
	}
	if n := f.sink.count(Error); n != 0 {
		t.Errorf("error events on graceful stop = %d, want 0", n)
	}

	// repeat stop is a no-op
	f.session.Stop()
	if f.session.State() != Closed {
		t.Errorf("state after second Stop = %s, want closed", f.session.State())
	}
}

func TestSession_StartConnectFailure(t *testing.T) {
	provider := &stt.FakeProvider{ConnectErrs: []error{errors.New("dial refused")}}
	f := newFixture(provider, time.Hour)

	if err := f.session.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the initial connect fails")
	}
	if f.session.State() != Errored {
		t.Errorf("state = %s, want errored", f.session.State())
	}
	if len(f.sink.snapshot()) != 0 {
		t.Errorf("events = %v, want none for a session that never started", f.sink.snapshot())
	}
}

func TestSession_ReconnectRecovers(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, time.Hour)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.session.Stop()

	first := lastConn(t, f.provider)
	first.Close() // breaks the read loop

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.provider.Conns()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(f.provider.Conns()) < 2 {
		t.Fatal("session never reconnected")
	}

	second := lastConn(t, f.provider)
	second.Push(stt.Result{Text: "after reconnect", IsFinal: true, Confidence: 0.9})

	final := f.sink.waitFor(t, Final)
	if final.Text != "after reconnect" {
		t.Errorf("final after reconnect = %+v", final)
	}
	if f.session.State() != Streaming {
		t.Errorf("state = %s, want streaming after recovery", f.session.State())
	}
}

func TestSession_ReconnectExhaustionEmitsOneError(t *testing.T) {
	cause := errors.New("dial refused")
	provider := &stt.FakeProvider{}
	f := newFixture(provider, time.Hour)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// all reconnect attempts fail
	provider.ConnectErrs = []error{cause, cause, cause}
	lastConn(t, f.provider).Close()

	ev := f.sink.waitFor(t, Error)
	if !errors.Is(ev.Err, cause) {
		t.Errorf("error event %v should wrap the dial failure", ev.Err)
	}
	waitState(t, f.session, Errored)
	if n := f.sink.count(Error); n != 1 {
		t.Errorf("error events = %d, want exactly 1", n)
	}

	f.session.Stop()
}

func TestSession_DeviceFailureEmitsOneError(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, time.Hour)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.devErrs <- device.ErrDeviceStopped

	ev := f.sink.waitFor(t, Error)
	if !errors.Is(ev.Err, device.ErrDeviceStopped) {
		t.Errorf("error event %v should wrap the device failure", ev.Err)
	}
	waitState(t, f.session, Errored)
	if n := f.sink.count(Error); n != 1 {
		t.Errorf("error events = %d, want exactly 1", n)
	}

	f.session.Stop()
}

// blockingProvider parks Connect until the context is cancelled, modelling a
// provider that never acknowledges the session.
type blockingProvider struct{}

func (p *blockingProvider) Connect(ctx context.Context, _ stt.SessionConfig) (stt.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_StopBeforeAck(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, time.Hour)
	rec := reconcile.NewReconciler(device.Microphone, f.history, zerolog.Nop())
	sess := New(Config{
		Source:            device.Microphone,
		Session:           stt.SessionConfig{},
		ConnectTimeout:    time.Minute,
		KeepAliveInterval: time.Hour,
	}, &blockingProvider{}, f.queue, rec, f.devErrs, f.sink.emit)

	startErr := make(chan error, 1)
	go func() {
		startErr <- sess.Start(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.State() != Connecting {
		time.Sleep(time.Millisecond)
	}
	if sess.State() != Connecting {
		t.Fatalf("state = %s, want connecting", sess.State())
	}

	sess.Stop()

	if err := <-startErr; err == nil {
		t.Error("Start should report the aborted dial")
	}
	if sess.State() != Closed {
		t.Errorf("state = %s, want closed after stop before ack", sess.State())
	}
	if n := len(f.sink.snapshot()); n != 0 {
		t.Errorf("events = %d, want none for a session stopped before ack", n)
	}
}

func TestSession_SendsKeepAlives(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, 20*time.Millisecond)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.session.Stop()

	conn := lastConn(t, f.provider)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.KeepAlives() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.KeepAlives() < 2 {
		t.Errorf("keep-alives = %d, want at least 2", conn.KeepAlives())
	}
}

func TestSession_KeepAliveOnlyAfterSendInactivity(t *testing.T) {
	f := newFixture(&stt.FakeProvider{}, 100*time.Millisecond)

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.session.Stop()

	conn := lastConn(t, f.provider)

	// steady audio well inside the keep-alive interval defers it
	feedUntil := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(feedUntil) {
		f.queue.TryPush(audio.Frame{PCM: []byte{0, 0}, Timestamp: time.Now()})
		time.Sleep(10 * time.Millisecond)
	}
	if n := conn.KeepAlives(); n != 0 {
		t.Errorf("keep-alives during steady audio = %d, want 0", n)
	}

	// once audio stops, the idle interval elapses and one goes out
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.KeepAlives() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.KeepAlives() == 0 {
		t.Error("no keep-alive after send inactivity")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Idle:       "idle",
		Connecting: "connecting",
		Streaming:  "streaming",
		Closing:    "closing",
		Closed:     "closed",
		Errored:    "errored",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
