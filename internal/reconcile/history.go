package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/mockmate/audio-gateway/internal/device"
)

// Segment is one committed final utterance.
type Segment struct {
	Text       string
	Confidence float64
	Timestamp  time.Time
	Source     device.SourceKind
}

// Stats summarizes the committed transcript.
type Stats struct {
	Utterances int
	Words      int
}

// History is the shared, ordered record of committed utterances. Sessions
// for different sources append concurrently.
type History struct {
	mu       sync.Mutex
	segments []Segment
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Append(seg Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.segments = append(h.segments, seg)
}

// Segments returns a copy of the committed utterances in commit order.
func (h *History) Segments() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Segment, len(h.segments))
	copy(out, h.segments)
	return out
}

// Text joins the committed utterances into a single transcript.
func (h *History) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	parts := make([]string, len(h.segments))
	for i, seg := range h.segments {
		parts[i] = seg.Text
	}
	return strings.Join(parts, " ")
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.segments = nil
}

func (h *History) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Utterances: len(h.segments)}
	for _, seg := range h.segments {
		s.Words += len(strings.Fields(seg.Text))
	}
	return s
}
