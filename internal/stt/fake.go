package stt

import (
	"context"
	"errors"
	"sync"
)

// ErrFakeClosed is returned from FakeConn.Recv after the connection closes.
var ErrFakeClosed = errors.New("fake connection closed")

// FakeProvider is an in-memory Provider for tests. Each Connect hands out a
// FakeConn; the test scripts results onto it and inspects what was sent.
type FakeProvider struct {
	// ConnectErrs are returned by successive Connect calls before any
	// connection succeeds (one error consumed per call).
	ConnectErrs []error

	mu      sync.Mutex
	configs []SessionConfig
	conns   []*FakeConn
}

func (p *FakeProvider) Connect(_ context.Context, cfg SessionConfig) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs = append(p.configs, cfg)

	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	conn := NewFakeConn()
	p.conns = append(p.conns, conn)
	return conn, nil
}

// Configs returns the session configs seen by Connect, in order.
func (p *FakeProvider) Configs() []SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionConfig, len(p.configs))
	copy(out, p.configs)
	return out
}

// Conns returns every connection handed out so far.
func (p *FakeProvider) Conns() []*FakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FakeConn, len(p.conns))
	copy(out, p.conns)
	return out
}

// FakeConn is a scripted provider connection.
type FakeConn struct {
	results chan Result

	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	sendGate   chan struct{}
	keepAlives int
	finalized  bool
	closed     bool
	closeCh    chan struct{}
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		results: make(chan Result, 64),
		closeCh: make(chan struct{}),
	}
}

// Push scripts a result for Recv to return.
func (c *FakeConn) Push(r Result) {
	c.results <- r
}

// FailSends makes all subsequent Send calls return err.
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// BlockSends parks callers of Send until UnblockSends, simulating a stalled
// network write so backpressure tests can fill the frame queue.
func (c *FakeConn) BlockSends() {
	c.mu.Lock()
	c.sendGate = make(chan struct{})
	c.mu.Unlock()
}

// UnblockSends releases callers parked by BlockSends.
func (c *FakeConn) UnblockSends() {
	c.mu.Lock()
	if c.sendGate != nil {
		close(c.sendGate)
		c.sendGate = nil
	}
	c.mu.Unlock()
}

func (c *FakeConn) Send(pcm []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	gate := c.sendGate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *FakeConn) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlives++
	return nil
}

func (c *FakeConn) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = true
	return nil
}

func (c *FakeConn) Recv() (Result, error) {
	select {
	case r := <-c.results:
		return r, nil
	case <-c.closeCh:
		return Result{}, ErrFakeClosed
	}
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// Sent returns every audio payload written to the connection.
func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// KeepAlives returns the number of keep-alive messages sent.
func (c *FakeConn) KeepAlives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlives
}

// Finalized reports whether Finalize was called.
func (c *FakeConn) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
