package device

import (
	"errors"
	"fmt"
)

// SourceKind identifies which audio source a capture belongs to.
type SourceKind string

const (
	Microphone     SourceKind = "microphone"
	SystemLoopback SourceKind = "system"
)

// Encoding is the raw sample encoding a device delivers.
type Encoding int

const (
	EncodingS16LE Encoding = iota
	EncodingS32LE
	EncodingF32LE
	EncodingU8
)

func (e Encoding) String() string {
	switch e {
	case EncodingS16LE:
		return "s16le"
	case EncodingS32LE:
		return "s32le"
	case EncodingF32LE:
		return "f32le"
	case EncodingU8:
		return "u8"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the byte width of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingU8:
		return 1
	case EncodingS16LE:
		return 2
	default:
		return 4
	}
}

// Format describes the raw sample stream a capture device produces.
type Format struct {
	Encoding   Encoding
	Channels   int
	SampleRate int
}

// DeviceInfo identifies a capture device.
type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// DataCallback receives raw sample buffers from the device.
// It runs on a realtime-sensitive thread and must not block or perform I/O.
type DataCallback func(data []byte, frameCount uint32)

// Context enumerates devices and opens captures.
type Context interface {
	Devices() ([]DeviceInfo, error)
	Open(kind SourceKind) (Capture, Format, error)
	Close()
}

// Capture is one open device stream. Close stops the stream and releases
// the device; it is idempotent. Errors delivers at most one mid-stream
// device failure (e.g. the device was unplugged).
type Capture interface {
	Start(cb DataCallback) error
	Close()
	Errors() <-chan error
}

// ErrNoLoopbackDevice is returned when system-audio capture is requested but
// no loopback-capable device exists. The microphone is never substituted.
var ErrNoLoopbackDevice = errors.New("no loopback-capable audio device found")

// ErrDeviceStopped is delivered on Capture.Errors when the device stops
// unexpectedly mid-stream.
var ErrDeviceStopped = errors.New("audio device stopped unexpectedly")

// DeviceError wraps a device-level failure with the source it occurred on.
type DeviceError struct {
	Source SourceKind
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error (%s): %v", e.Source, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
