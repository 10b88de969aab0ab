package device

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// Capture formats requested from miniaudio. The conditioner downmixes and
// resamples to the canonical format, so these only need to be formats the
// backend can deliver cheaply.
var (
	microphoneFormat = Format{Encoding: EncodingS16LE, Channels: 1, SampleRate: 44100}
	loopbackFormat   = Format{Encoding: EncodingF32LE, Channels: 2, SampleRate: 44100}
)

// Names identifying virtual monitor/loopback capture devices on backends
// without native loopback support (PulseAudio monitors, BlackHole, VB-Audio).
var monitorKeywords = []string{
	"monitor", "loopback", "stereo mix", "what u hear", "what you hear",
	"blackhole", "soundflower", "vb-audio", "virtual cable",
}

func isMonitorDevice(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range monitorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// encodeDeviceID renders a backend device id as a stable hex string.
func encodeDeviceID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

// decodeDeviceID parses an id produced by encodeDeviceID. Short input pads
// with zeros, matching the fixed-size backend representation.
func decodeDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	if len(raw) > len(id) {
		return id, fmt.Errorf("device id %q too long", s)
	}
	copy(id[:], raw)
	return id, nil
}

type malgoContext struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

// NewContext initializes a miniaudio context for device capture.
func NewContext(log zerolog.Logger) (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &malgoContext{ctx: ctx, log: log}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerating capture devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   encodeDeviceID(d.ID),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) Open(kind SourceKind) (Capture, Format, error) {
	switch kind {
	case Microphone:
		return m.openMicrophone()
	case SystemLoopback:
		return m.openLoopback()
	default:
		return nil, Format{}, &DeviceError{Source: kind, Err: fmt.Errorf("unknown source kind %q", kind)}
	}
}

func (m *malgoContext) openMicrophone() (Capture, Format, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgoFormat(microphoneFormat.Encoding)
	cfg.Capture.Channels = uint32(microphoneFormat.Channels)
	cfg.SampleRate = uint32(microphoneFormat.SampleRate)

	cap, err := m.initCapture(cfg)
	if err != nil {
		return nil, Format{}, &DeviceError{Source: Microphone, Err: err}
	}
	return cap, microphoneFormat, nil
}

// openLoopback opens a system-audio capture. Native loopback (WASAPI) is
// tried first, then explicit monitor/loopback virtual devices. A plain
// input device is NEVER substituted; transcribing the microphone when the
// caller asked for system output is a correctness hazard.
func (m *malgoContext) openLoopback() (Capture, Format, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	cfg.Capture.Format = malgoFormat(loopbackFormat.Encoding)
	cfg.Capture.Channels = uint32(loopbackFormat.Channels)
	cfg.SampleRate = uint32(loopbackFormat.SampleRate)

	if cap, err := m.initCapture(cfg); err == nil {
		return cap, loopbackFormat, nil
	} else {
		m.log.Debug().Err(err).Msg("native loopback unavailable, searching monitor devices")
	}

	devices, err := m.Devices()
	if err != nil {
		return nil, Format{}, &DeviceError{Source: SystemLoopback, Err: err}
	}
	for _, d := range devices {
		if !isMonitorDevice(d.Name) {
			continue
		}
		monCfg := malgo.DefaultDeviceConfig(malgo.Capture)
		monCfg.Capture.Format = malgoFormat(loopbackFormat.Encoding)
		monCfg.Capture.Channels = uint32(loopbackFormat.Channels)
		monCfg.SampleRate = uint32(loopbackFormat.SampleRate)

		devID, err := decodeDeviceID(d.ID)
		if err != nil {
			continue
		}
		monCfg.Capture.DeviceID = devID.Pointer()

		cap, err := m.initCapture(monCfg)
		if err != nil {
			m.log.Warn().Err(err).Str("device", d.Name).Msg("failed to open monitor device")
			continue
		}
		m.log.Info().Str("device", d.Name).Msg("capturing system audio via monitor device")
		return cap, loopbackFormat, nil
	}

	return nil, Format{}, &DeviceError{Source: SystemLoopback, Err: ErrNoLoopbackDevice}
}

func (m *malgoContext) initCapture(cfg malgo.DeviceConfig) (*malgoCapture, error) {
	c := &malgoCapture{errs: make(chan error, 1)}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			c.dispatch(input, frameCount)
		},
		Stop: c.stopNotify,
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

// malgoCapture shares only atomics with the realtime device callbacks; a
// mutex across that boundary would stall the audio thread.
type malgoCapture struct {
	device *malgo.Device
	errs   chan error
	cb     atomic.Pointer[DataCallback]
	closed atomic.Bool
}

// dispatch runs on the realtime audio thread.
func (c *malgoCapture) dispatch(input []byte, frameCount uint32) {
	if cb := c.cb.Load(); cb != nil {
		(*cb)(input, frameCount)
	}
}

// stopNotify fires on every device stop, including our own Close.
func (c *malgoCapture) stopNotify() {
	if !c.closed.Load() {
		select {
		case c.errs <- ErrDeviceStopped:
		default:
		}
	}
}

func (c *malgoCapture) Start(cb DataCallback) error {
	c.cb.Store(&cb)
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	return nil
}

func (c *malgoCapture) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cb.Store(nil)

	_ = c.device.Stop()
	c.device.Uninit()
}

func (c *malgoCapture) Errors() <-chan error { return c.errs }

func malgoFormat(e Encoding) malgo.FormatType {
	switch e {
	case EncodingU8:
		return malgo.FormatU8
	case EncodingS16LE:
		return malgo.FormatS16
	case EncodingS32LE:
		return malgo.FormatS32
	case EncodingF32LE:
		return malgo.FormatF32
	default:
		return malgo.FormatS16
	}
}
