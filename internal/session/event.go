package session

import (
	"time"

	"github.com/mockmate/audio-gateway/internal/device"
)

// EventType classifies transcript and lifecycle events.
type EventType string

const (
	// Interim is a provisional transcript update that may still change.
	Interim EventType = "interim"
	// Final is a committed utterance.
	Final EventType = "final"
	// Degraded signals sustained frame loss between capture and streaming.
	Degraded EventType = "degraded"
	// Error is the terminal failure of a session. At most one is emitted
	// per session lifetime.
	Error EventType = "error"
)

// Event is what consumers of a pipeline observe.
type Event struct {
	Type       EventType
	Source     device.SourceKind
	Text       string
	Confidence float64
	Timestamp  time.Time
	Err        error
}
