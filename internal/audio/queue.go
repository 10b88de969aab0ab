package audio

import (
	"sync/atomic"
	"time"
)

// FrameQueue is the bounded hand-off between the realtime device callback
// (producer) and the streaming session (consumer). The producer side never
// blocks: a full queue drops the incoming frame and counts it. Exactly one
// producer and one consumer per instance; a queue lives for one capture
// cycle and is recreated on restart.
type FrameQueue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	return &FrameQueue{ch: make(chan Frame, capacity)}
}

// TryPush enqueues a frame without blocking. Returns false and increments
// the drop counter if the queue is full. Safe to call from the realtime
// audio thread.
func (q *FrameQueue) TryPush(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pull waits up to timeout for the next frame. The second return value is
// false on timeout; a timeout is not an error, just "no data yet".
func (q *FrameQueue) Pull(timeout time.Duration) (Frame, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.ch:
		return f, true
	case <-timer.C:
		return Frame{}, false
	}
}

// Dropped returns the total number of frames dropped because the queue was
// full.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of frames currently buffered.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}
