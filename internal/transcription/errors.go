package transcription

import (
	"errors"
	"fmt"

	"github.com/mockmate/audio-gateway/internal/device"
)

// ErrAlreadyActive is returned when a start is requested for a source that
// already has a live pipeline.
var ErrAlreadyActive = errors.New("transcription already active for source")

// StartError reports which source failed to start and why.
type StartError struct {
	Source device.SourceKind
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %s transcription: %v", e.Source, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
