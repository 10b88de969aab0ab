package reconcile

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mockmate/audio-gateway/internal/device"
	"github.com/mockmate/audio-gateway/internal/stt"
)

// Outcome classifies what a provider result did to the transcript view.
type Outcome int

const (
	// Suppressed means the result duplicated the previous interim and
	// produced no visible change.
	Suppressed Outcome = iota
	// InterimUpdated means the live interim line changed.
	InterimUpdated
	// FinalCommitted means a final utterance was appended to history.
	FinalCommitted
)

func (o Outcome) String() string {
	switch o {
	case Suppressed:
		return "suppressed"
	case InterimUpdated:
		return "interim_updated"
	case FinalCommitted:
		return "final_committed"
	default:
		return "unknown"
	}
}

// Update is the reconciler's view of a processed result.
type Update struct {
	Outcome    Outcome
	Text       string
	Confidence float64
}

// Reconciler turns the raw interim/final result stream from a provider into
// a stable transcript: consecutive identical interims are suppressed, and
// finals commit to the shared history exactly once.
type Reconciler struct {
	source      device.SourceKind
	history     *History
	log         zerolog.Logger
	lastInterim string
}

func NewReconciler(source device.SourceKind, history *History, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		source:  source,
		history: history,
		log:     log,
	}
}

// Apply processes one provider result. Empty finals clear the pending
// interim without committing anything; empty interims are suppressed.
func (r *Reconciler) Apply(res stt.Result) Update {
	text := strings.TrimSpace(res.Text)

	if res.IsFinal {
		r.lastInterim = ""
		if text == "" {
			return Update{Outcome: Suppressed}
		}
		r.history.Append(Segment{
			Text:       text,
			Confidence: res.Confidence,
			Timestamp:  time.Now(),
			Source:     r.source,
		})
		r.log.Debug().
			Str("source", string(r.source)).
			Float64("confidence", res.Confidence).
			Msg("final utterance committed")
		return Update{Outcome: FinalCommitted, Text: text, Confidence: res.Confidence}
	}

	if text == "" || text == r.lastInterim {
		return Update{Outcome: Suppressed}
	}
	r.lastInterim = text
	return Update{Outcome: InterimUpdated, Text: text, Confidence: res.Confidence}
}

// Reset clears the pending interim, e.g. across a reconnect.
func (r *Reconciler) Reset() {
	r.lastInterim = ""
}
