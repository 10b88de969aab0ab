package stt

import "context"

// Result is one transcript message from the provider, mapped into the
// canonical shape at the edge. Provider-specific field names stay inside
// the provider implementation.
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates a final transcription (true) or interim (false)
	IsFinal bool

	// SpeechFinal indicates the provider considers the utterance complete
	SpeechFinal bool

	// FromFinalize marks the flush response to a Finalize message
	FromFinalize bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Start is the start time of the utterance in seconds
	Start float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// SessionConfig carries every behavioural knob applied to the outbound
// session-open request. A field accepted here but not forwarded to the
// provider is a defect; see the provider tests.
type SessionConfig struct {
	SampleRate     int
	Channels       int
	Model          string
	Language       string
	EndpointingMs  int
	InterimResults bool
	SmartFormat    bool
	Punctuate      bool
	Numerals       bool
	Keywords       []string
}

// Provider opens streaming transcription connections.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// Conn is one live bidirectional connection to the provider. Send, KeepAlive
// and Finalize are called from the session task; Recv is called from the
// session's receive loop.
type Conn interface {
	// Send forwards one canonical PCM frame as a binary payload
	Send(pcm []byte) error

	// KeepAlive sends a no-op control message so the provider does not
	// close the connection for inactivity
	KeepAlive() error

	// Finalize asks the provider to flush any buffered audio into a final
	// result before close
	Finalize() error

	// Recv blocks for the next transcript result, skipping control messages
	Recv() (Result, error)

	// Close tears down the connection
	Close() error
}
