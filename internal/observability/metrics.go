package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_gateway_active_sessions",
		Help: "Number of active transcription sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_sessions_total",
		Help: "Total number of transcription sessions started",
	}, []string{"source"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_gateway_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Audio metrics
	audioBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_audio_bytes_sent_total",
		Help: "Total conditioned audio bytes sent to the provider",
	}, []string{"source"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_frames_dropped_total",
		Help: "Audio frames dropped because the transport queue was full",
	}, []string{"source"})

	conditioningErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_conditioning_errors_total",
		Help: "Raw device buffers rejected by the frame conditioner",
	}, []string{"source"})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_transcript_events_total",
		Help: "Transcript events emitted, by type",
	}, []string{"type"})

	// Connection metrics
	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_reconnect_attempts_total",
		Help: "Provider reconnection attempts",
	}, []string{"source"})

	keepAlivesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_gateway_keepalives_sent_total",
		Help: "Keep-alive messages sent to the provider",
	}, []string{"source"})
)

// RecordSessionStart records the start of a transcription session
func RecordSessionStart(source string) {
	activeSessions.Inc()
	totalSessions.WithLabelValues(source).Inc()
}

// RecordSessionEnd records the end of a transcription session
func RecordSessionEnd(start time.Time) {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(start).Seconds())
}

// RecordAudioBytes records conditioned audio bytes forwarded to the provider
func RecordAudioBytes(source string, n int) {
	audioBytesSent.WithLabelValues(source).Add(float64(n))
}

// RecordFrameDropped records a frame dropped at the transport queue
func RecordFrameDropped(source string) {
	framesDropped.WithLabelValues(source).Inc()
}

// RecordConditioningError records a malformed raw buffer rejected by the conditioner
func RecordConditioningError(source string) {
	conditioningErrors.WithLabelValues(source).Inc()
}

// RecordTranscriptEvent records an emitted transcript event by type
func RecordTranscriptEvent(eventType string) {
	transcriptEvents.WithLabelValues(eventType).Inc()
}

// RecordReconnectAttempt records a provider reconnection attempt
func RecordReconnectAttempt(source string) {
	reconnectAttempts.WithLabelValues(source).Inc()
}

// RecordKeepAlive records a keep-alive sent to the provider
func RecordKeepAlive(source string) {
	keepAlivesSent.WithLabelValues(source).Inc()
}
