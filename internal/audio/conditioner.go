package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/mockmate/audio-gateway/internal/device"
)

// Frame is a conditioned buffer of canonical audio: mono 16-bit PCM
// little-endian at the conditioner's target rate. Frames are never mutated
// after being handed to the transport queue.
type Frame struct {
	PCM       []byte
	Timestamp time.Time
}

// ConditioningError reports malformed raw input. One bad buffer is dropped
// with a counter bump; it never terminates the session.
type ConditioningError struct {
	Reason string
}

func (e *ConditioningError) Error() string {
	return fmt.Sprintf("conditioning: %s", e.Reason)
}

// Conditioner converts raw device buffers (8/16/32-bit int or float, N
// channels, arbitrary rate) into fixed-duration canonical frames. It is
// used from the realtime device callback and performs no I/O or locking.
type Conditioner struct {
	targetRate   int
	frameSamples int
	carry        []int16
}

// NewConditioner creates a conditioner producing frameMs-sized frames of
// mono 16-bit PCM at targetRate.
func NewConditioner(targetRate, frameMs int) *Conditioner {
	return &Conditioner{
		targetRate:   targetRate,
		frameSamples: targetRate * frameMs / 1000,
	}
}

// FrameBytes returns the byte size of one conditioned frame.
func (c *Conditioner) FrameBytes() int {
	return c.frameSamples * 2
}

// Condition converts one raw device buffer into zero or more canonical
// frames. Sample remainders that do not fill a whole frame are carried into
// the next call, so output length is bounded by input length. Given the
// same input buffer and format, the produced PCM is byte-identical.
func (c *Conditioner) Condition(raw []byte, format device.Format) ([]Frame, error) {
	if len(raw) == 0 {
		return nil, &ConditioningError{Reason: "empty input buffer"}
	}
	if format.Channels <= 0 {
		return nil, &ConditioningError{Reason: fmt.Sprintf("invalid channel count %d", format.Channels)}
	}
	if format.SampleRate <= 0 {
		return nil, &ConditioningError{Reason: fmt.Sprintf("invalid sample rate %d", format.SampleRate)}
	}

	stride := format.Encoding.BytesPerSample() * format.Channels
	if len(raw)%stride != 0 {
		return nil, &ConditioningError{Reason: fmt.Sprintf("buffer length %d not a multiple of frame stride %d", len(raw), stride)}
	}

	mono, err := downmix(raw, format)
	if err != nil {
		return nil, err
	}

	if format.SampleRate != c.targetRate {
		mono = resample(mono, format.SampleRate, c.targetRate)
	}

	c.carry = append(c.carry, mono...)

	var frames []Frame
	now := time.Now()
	for len(c.carry) >= c.frameSamples {
		pcm := make([]byte, c.FrameBytes())
		for i := 0; i < c.frameSamples; i++ {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(c.carry[i]))
		}
		c.carry = c.carry[c.frameSamples:]
		frames = append(frames, Frame{PCM: pcm, Timestamp: now})
	}

	return frames, nil
}

// Reset discards carried samples. Called between capture cycles.
func (c *Conditioner) Reset() {
	c.carry = nil
}

// downmix decodes raw samples to int16 and averages the channels of each
// sample frame with overflow-safe math, clamping instead of wrapping.
func downmix(raw []byte, format device.Format) ([]int16, error) {
	bps := format.Encoding.BytesPerSample()
	sampleCount := len(raw) / bps
	frameCount := sampleCount / format.Channels

	out := make([]int16, frameCount)
	for f := 0; f < frameCount; f++ {
		var sum int32
		for ch := 0; ch < format.Channels; ch++ {
			idx := (f*format.Channels + ch) * bps
			s, err := decodeSample(raw[idx:idx+bps], format.Encoding)
			if err != nil {
				return nil, err
			}
			sum += int32(s)
		}
		out[f] = clamp16(sum / int32(format.Channels))
	}
	return out, nil
}

func decodeSample(b []byte, enc device.Encoding) (int16, error) {
	switch enc {
	case device.EncodingS16LE:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case device.EncodingS32LE:
		return int16(int32(binary.LittleEndian.Uint32(b)) >> 16), nil
	case device.EncodingF32LE:
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return clampFloat(f), nil
	case device.EncodingU8:
		return int16((int32(b[0]) - 128) << 8), nil
	default:
		return 0, &ConditioningError{Reason: fmt.Sprintf("unsupported sample encoding %v", enc)}
	}
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func clampFloat(f float32) int16 {
	if f > 1.0 {
		f = 1.0
	}
	if f < -1.0 {
		f = -1.0
	}
	return int16(f * 32767)
}

// resample performs linear interpolation between the source and target
// rates. Deterministic: the same input buffer and rate pair always produce
// the same output. Quality is secondary to boundedness; there is no
// lookahead buffering.
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}
