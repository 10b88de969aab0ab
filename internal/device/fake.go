package device

import (
	"sync"
)

// FakeContext is an in-memory device Context for tests. It records which
// source kinds were opened so tests can assert the microphone was never
// substituted for a missing loopback device.
type FakeContext struct {
	HasLoopback bool
	OpenFormat  Format

	mu      sync.Mutex
	opened  []SourceKind
	handles []*FakeCapture
}

// NewFakeContext returns a fake context delivering the given raw format.
func NewFakeContext(format Format, hasLoopback bool) *FakeContext {
	return &FakeContext{HasLoopback: hasLoopback, OpenFormat: format}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	devices := []DeviceInfo{{ID: "fake-mic", Name: "Fake Microphone"}}
	if f.HasLoopback {
		devices = append(devices, DeviceInfo{ID: "fake-monitor", Name: "Monitor of Fake Output"})
	}
	return devices, nil
}

func (f *FakeContext) Open(kind SourceKind) (Capture, Format, error) {
	if kind == SystemLoopback && !f.HasLoopback {
		return nil, Format{}, &DeviceError{Source: SystemLoopback, Err: ErrNoLoopbackDevice}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, kind)
	cap := &FakeCapture{errs: make(chan error, 1)}
	f.handles = append(f.handles, cap)
	return cap, f.OpenFormat, nil
}

func (f *FakeContext) Close() {}

// Opened returns the source kinds opened so far, in order.
func (f *FakeContext) Opened() []SourceKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SourceKind, len(f.opened))
	copy(out, f.opened)
	return out
}

// Captures returns all captures handed out so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeCapture, len(f.handles))
	copy(out, f.handles)
	return out
}

// FakeCapture is an in-memory capture device driven by the test via Feed.
type FakeCapture struct {
	errs chan error

	mu         sync.Mutex
	cb         DataCallback
	started    bool
	closeCount int
}

func (c *FakeCapture) Start(cb DataCallback) error {
	c.mu.Lock()
	c.cb = cb
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *FakeCapture) Close() {
	c.mu.Lock()
	if c.started {
		c.closeCount++
		c.started = false
	}
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) Errors() <-chan error { return c.errs }

// Feed invokes the registered data callback synchronously, as the realtime
// device thread would.
func (c *FakeCapture) Feed(data []byte, frameCount uint32) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(data, frameCount)
	}
}

// Fail injects a mid-stream device failure.
func (c *FakeCapture) Fail() {
	select {
	case c.errs <- ErrDeviceStopped:
	default:
	}
}

// Started reports whether the capture is currently running.
func (c *FakeCapture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// CloseCount returns how many times Close stopped a running capture.
func (c *FakeCapture) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
