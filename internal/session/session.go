package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mockmate/audio-gateway/internal/audio"
	"github.com/mockmate/audio-gateway/internal/device"
	"github.com/mockmate/audio-gateway/internal/observability"
	"github.com/mockmate/audio-gateway/internal/reconcile"
	"github.com/mockmate/audio-gateway/internal/resilience"
	"github.com/mockmate/audio-gateway/internal/stt"
)

// State is the lifecycle phase of a streaming session.
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

const (
	pullTimeout  = 10 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
)

// Config carries everything a session needs beyond its collaborators.
type Config struct {
	Source            device.SourceKind
	Session           stt.SessionConfig
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	Reconnect         *resilience.ReconnectConfig
}

// Session pumps conditioned audio frames from a queue into a streaming
// transcription connection and feeds results through a reconciler. It owns
// the connection lifecycle including keep-alive and bounded reconnection.
type Session struct {
	id       string
	cfg      Config
	provider stt.Provider
	queue    *audio.FrameQueue
	rec      *reconcile.Reconciler
	emit     func(Event)
	devErrs  <-chan error
	log      zerolog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	errOnce sync.Once
	started time.Time
}

func New(cfg Config, provider stt.Provider, queue *audio.FrameQueue, rec *reconcile.Reconciler, devErrs <-chan error, emit func(Event)) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		provider: provider,
		queue:    queue,
		rec:      rec,
		emit:     emit,
		devErrs:  devErrs,
		log:      observability.WithSession(string(cfg.Source), id),
		state:    Idle,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// transition moves from one state to another only if the session is still in
// the expected state, so a concurrent Stop (Closing) is never overwritten.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Start opens the streaming connection and launches the pump. It returns an
// error, leaving the session Errored, if the initial connection fails; no
// events are emitted for a session that never started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", st)
	}
	s.state = Connecting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(runCtx, s.cfg.ConnectTimeout)
	conn, err := s.provider.Connect(dialCtx, s.cfg.Session)
	dialCancel()
	if err != nil {
		cancel()
		// A dial aborted by Stop ends Closed, not Errored
		if !s.transition(Closing, Closed) {
			s.setState(Errored)
		}
		close(s.done)
		return fmt.Errorf("opening streaming session: %w", err)
	}

	s.started = time.Now()
	observability.RecordSessionStart(string(s.cfg.Source))
	s.setState(Streaming)
	s.log.Info().Str("model", s.cfg.Session.Model).Msg("streaming session started")

	go s.run(runCtx, conn)
	return nil
}

// Stop requests a graceful close and waits for the pump to finish. It is
// safe to call on any state, including repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == Idle {
		s.state = Closed
		s.mu.Unlock()
		return
	}
	if s.state == Streaming || s.state == Connecting {
		s.state = Closing
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed when the pump has exited for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context, conn stt.Conn) {
	defer observability.RecordSessionEnd(s.started)

	resultCh := make(chan stt.Result, 32)
	recvErrCh := make(chan recvErr, 1)
	go s.recvLoop(ctx, conn, resultCh, recvErrCh)

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(conn, resultCh)
			return

		case err := <-s.devErrs:
			s.fail(conn, fmt.Errorf("audio capture failed: %w", err))
			return

		case re := <-recvErrCh:
			// A read error from an already-replaced connection is stale
			if re.conn != conn {
				continue
			}
			next, rerr := s.reconnect(ctx, re.err)
			if rerr != nil {
				// Reconnect aborted by Stop is a graceful close, not a failure
				if ctx.Err() != nil {
					s.shutdown(conn, resultCh)
					return
				}
				s.fail(conn, rerr)
				return
			}
			conn.Close()
			conn = next
			s.rec.Reset()
			go s.recvLoop(ctx, conn, resultCh, recvErrCh)

		case res := <-resultCh:
			s.handleResult(res)

		case <-keepAlive.C:
			if err := conn.KeepAlive(); err != nil {
				s.log.Warn().Err(err).Msg("keep-alive failed")
			} else {
				observability.RecordKeepAlive(string(s.cfg.Source))
			}

		default:
			frame, ok := s.queue.Pull(pullTimeout)
			if !ok {
				continue
			}
			if err := conn.Send(frame.PCM); err != nil {
				next, rerr := s.reconnect(ctx, err)
				if rerr != nil {
					if ctx.Err() != nil {
						s.shutdown(conn, resultCh)
						return
					}
					s.fail(conn, rerr)
					return
				}
				conn.Close()
				conn = next
				s.rec.Reset()
				go s.recvLoop(ctx, conn, resultCh, recvErrCh)
				continue
			}
			observability.RecordAudioBytes(string(s.cfg.Source), len(frame.PCM))
			// Keep-alive is only needed after send inactivity
			keepAlive.Reset(s.cfg.KeepAliveInterval)
		}
	}
}

// recvErr ties a read failure to the connection it came from so the pump
// can discard errors from connections it has already replaced.
type recvErr struct {
	conn stt.Conn
	err  error
}

func (s *Session) recvLoop(ctx context.Context, conn stt.Conn, results chan<- stt.Result, errs chan<- recvErr) {
	for {
		res, err := conn.Recv()
		if err != nil {
			select {
			case errs <- recvErr{conn: conn, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleResult(res stt.Result) {
	upd := s.rec.Apply(res)
	switch upd.Outcome {
	case reconcile.Suppressed:
		return
	case reconcile.InterimUpdated:
		observability.RecordTranscriptEvent("interim")
		s.emit(Event{
			Type:       Interim,
			Source:     s.cfg.Source,
			Text:       upd.Text,
			Confidence: upd.Confidence,
			Timestamp:  time.Now(),
		})
	case reconcile.FinalCommitted:
		observability.RecordTranscriptEvent("final")
		s.emit(Event{
			Type:       Final,
			Source:     s.cfg.Source,
			Text:       upd.Text,
			Confidence: upd.Confidence,
			Timestamp:  time.Now(),
		})
	}
}

// reconnect attempts to replace a broken connection within the configured
// attempt budget.
func (s *Session) reconnect(ctx context.Context, cause error) (stt.Conn, error) {
	s.log.Warn().Err(cause).Msg("streaming connection lost, reconnecting")
	s.transition(Streaming, Connecting)

	var next stt.Conn
	err := resilience.Reconnect(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		conn, err := s.provider.Connect(dialCtx, s.cfg.Session)
		if err != nil {
			return err
		}
		next = conn
		return nil
	}, s.cfg.Reconnect, s.log, func(attempt int, err error) {
		observability.RecordReconnectAttempt(string(s.cfg.Source))
	})
	if err != nil {
		return nil, fmt.Errorf("streaming session unrecoverable: %w", err)
	}
	s.transition(Connecting, Streaming)
	return next, nil
}

// shutdown performs the graceful close path: finalize pending audio, give
// the provider a short window to flush remaining finals, then close.
func (s *Session) shutdown(conn stt.Conn, results <-chan stt.Result) {
	if err := conn.Finalize(); err == nil {
		deadline := time.After(drainTimeout)
	drain:
		for {
			select {
			case res := <-results:
				s.handleResult(res)
				if res.FromFinalize {
					break drain
				}
			case <-deadline:
				break drain
			}
		}
	}

	conn.Close()
	s.setState(Closed)
	s.log.Info().Msg("streaming session closed")
	close(s.done)
}

// fail terminates the session with exactly one error event.
func (s *Session) fail(conn stt.Conn, err error) {
	s.errOnce.Do(func() {
		s.log.Error().Err(err).Msg("streaming session failed")
		observability.RecordTranscriptEvent("error")
		s.emit(Event{
			Type:      Error,
			Source:    s.cfg.Source,
			Err:       err,
			Timestamp: time.Now(),
		})
	})
	conn.Close()
	s.setState(Errored)
	close(s.done)
}
