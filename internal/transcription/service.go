package transcription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mockmate/audio-gateway/internal/audio"
	"github.com/mockmate/audio-gateway/internal/config"
	"github.com/mockmate/audio-gateway/internal/device"
	"github.com/mockmate/audio-gateway/internal/observability"
	"github.com/mockmate/audio-gateway/internal/reconcile"
	"github.com/mockmate/audio-gateway/internal/resilience"
	"github.com/mockmate/audio-gateway/internal/session"
	"github.com/mockmate/audio-gateway/internal/stt"
)

const eventBuffer = 256

// pipeline ties one audio source to its capture, conditioning, queue and
// streaming session.
type pipeline struct {
	capture  device.Capture
	cond     *audio.Conditioner
	queue    *audio.FrameQueue
	sess     *session.Session
	degraded atomic.Bool
}

// Service is the facade over the whole capture-to-transcript pipeline. It
// owns one pipeline per source; microphone and system audio can run
// simultaneously and commit into the same history.
type Service struct {
	cfg      *config.Config
	devices  device.Context
	provider stt.Provider
	history  *reconcile.History
	events   chan session.Event
	log      zerolog.Logger

	mu        sync.Mutex
	pipelines map[device.SourceKind]*pipeline
}

func NewService(cfg *config.Config, devices device.Context, provider stt.Provider) *Service {
	return &Service{
		cfg:       cfg,
		devices:   devices,
		provider:  provider,
		history:   reconcile.NewHistory(),
		events:    make(chan session.Event, eventBuffer),
		log:       observability.GetLogger(),
		pipelines: make(map[device.SourceKind]*pipeline),
	}
}

// Events returns the stream of transcript and lifecycle events across all
// sources. The channel is never closed; slow consumers lose events rather
// than stalling the pipeline.
func (s *Service) Events() <-chan session.Event { return s.events }

// StartMicrophone begins capturing and transcribing the default microphone.
func (s *Service) StartMicrophone(ctx context.Context) error {
	return s.start(ctx, device.Microphone)
}

// StartSystemAudio begins capturing and transcribing system playback. It
// fails, without touching the microphone, when no loopback device exists.
func (s *Service) StartSystemAudio(ctx context.Context) error {
	return s.start(ctx, device.SystemLoopback)
}

func (s *Service) start(ctx context.Context, kind device.SourceKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pipelines[kind]; ok {
		select {
		case <-prev.sess.Done():
			// The previous session already ended on its own; a fresh
			// start supersedes it even if the reaper has not run yet
			delete(s.pipelines, kind)
			prev.capture.Close()
		default:
			return &StartError{Source: kind, Err: ErrAlreadyActive}
		}
	}

	capture, format, err := s.devices.Open(kind)
	if err != nil {
		return &StartError{Source: kind, Err: err}
	}

	p := &pipeline{
		capture: capture,
		cond:    audio.NewConditioner(s.cfg.TargetSampleRate, s.cfg.FrameMs),
		queue:   audio.NewFrameQueue(s.cfg.QueueCapacity),
	}

	rec := reconcile.NewReconciler(kind, s.history, observability.WithSource(string(kind)))
	p.sess = session.New(session.Config{
		Source:            kind,
		Session:           s.sessionConfig(),
		ConnectTimeout:    time.Duration(s.cfg.ConnectTimeoutMs) * time.Millisecond,
		KeepAliveInterval: time.Duration(s.cfg.KeepAliveIntervalSec) * time.Second,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: s.cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(s.cfg.ReconnectBackoffMs) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		},
	}, s.provider, p.queue, rec, capture.Errors(), s.emit)

	if err := p.sess.Start(ctx); err != nil {
		capture.Close()
		return &StartError{Source: kind, Err: err}
	}

	if err := capture.Start(s.dataCallback(kind, p, format)); err != nil {
		p.sess.Stop()
		capture.Close()
		return &StartError{Source: kind, Err: err}
	}

	s.pipelines[kind] = p
	go s.reap(kind, p)
	s.log.Info().
		Str("source", string(kind)).
		Str("session_id", p.sess.ID()).
		Msg("transcription started")
	return nil
}

// reap removes a pipeline whose session ended on its own (device failure,
// reconnect exhaustion) so the source can be started again. Stop removes
// pipelines itself; the identity check keeps the two paths from fighting.
func (s *Service) reap(kind device.SourceKind, p *pipeline) {
	<-p.sess.Done()

	s.mu.Lock()
	if s.pipelines[kind] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pipelines, kind)
	s.mu.Unlock()

	p.capture.Close()
	s.log.Info().
		Str("source", string(kind)).
		Str("state", p.sess.State().String()).
		Msg("dead transcription pipeline removed")
}

// dataCallback conditions raw device buffers and hands frames to the queue.
// It runs on the audio device thread and must never block.
func (s *Service) dataCallback(kind device.SourceKind, p *pipeline, format device.Format) device.DataCallback {
	return func(data []byte, _ uint32) {
		frames, err := p.cond.Condition(data, format)
		if err != nil {
			observability.RecordConditioningError(string(kind))
			s.log.Warn().Err(err).Str("source", string(kind)).Msg("conditioning failed, buffer dropped")
			return
		}
		for _, frame := range frames {
			if !p.queue.TryPush(frame) {
				observability.RecordFrameDropped(string(kind))
			}
		}
		s.checkDegraded(kind, p)
	}
}

// checkDegraded emits a single degraded-quality event per pipeline once the
// drop counter crosses the configured threshold.
func (s *Service) checkDegraded(kind device.SourceKind, p *pipeline) {
	dropped := p.queue.Dropped()
	if dropped < uint64(s.cfg.DropWarnThreshold) {
		return
	}

	if !p.degraded.CompareAndSwap(false, true) {
		return
	}

	s.log.Warn().
		Str("source", string(kind)).
		Uint64("dropped_frames", dropped).
		Msg("sustained frame loss, transcript quality degraded")
	s.emit(session.Event{
		Type:      session.Degraded,
		Source:    kind,
		Timestamp: time.Now(),
	})
}

// Stop tears down every active pipeline. Capture stops before the session
// so no frames arrive after the finalize handshake. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	pipelines := s.pipelines
	s.pipelines = make(map[device.SourceKind]*pipeline)
	s.mu.Unlock()

	for kind, p := range pipelines {
		p.capture.Close()
		p.sess.Stop()
		s.log.Info().Str("source", string(kind)).Msg("transcription stopped")
	}
}

// Status reports the session state per source. Sources that were never
// started are absent.
func (s *Service) Status() map[device.SourceKind]session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[device.SourceKind]session.State, len(s.pipelines))
	for kind, p := range s.pipelines {
		out[kind] = p.sess.State()
	}
	return out
}

// History returns the committed utterances across all sources.
func (s *Service) History() []reconcile.Segment { return s.history.Segments() }

// HistoryText returns the committed transcript as a single string.
func (s *Service) HistoryText() string { return s.history.Text() }

// HistoryStats summarizes the committed transcript.
func (s *Service) HistoryStats() reconcile.Stats { return s.history.Stats() }

// ClearHistory discards committed utterances. Running sessions keep
// streaming; only the record resets.
func (s *Service) ClearHistory() { s.history.Clear() }

func (s *Service) sessionConfig() stt.SessionConfig {
	return stt.SessionConfig{
		SampleRate:     s.cfg.TargetSampleRate,
		Channels:       1,
		Model:          s.cfg.DeepgramModel,
		Language:       s.cfg.Language,
		EndpointingMs:  s.cfg.EndpointingMs,
		InterimResults: s.cfg.InterimResults,
		SmartFormat:    s.cfg.SmartFormat,
		Punctuate:      s.cfg.Punctuate,
		Numerals:       s.cfg.Numerals,
		Keywords:       s.cfg.Keywords,
	}
}

func (s *Service) emit(e session.Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn().Str("type", string(e.Type)).Msg("event buffer full, event dropped")
	}
}
