package eventstore

import (
	"errors"
	"fmt"

	"github.com/orgforge/backend/internal/events"
)

var (
	// ErrConcurrentModification means the requested version is taken by a
	// different fact, or is not the next version of the stream. Callers
	// re-read the current version and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateVersion is returned by backends when the unique
	// (stream_id, stream_type, stream_version) key rejects an insert.
	ErrDuplicateVersion = errors.New("stream version already exists")
	ErrInvalidEvent     = errors.New("invalid event")
)

// ProcessingError reports a handler failure. The append was rolled back: the
// event is neither stored nor marked processed and may be retried.
type ProcessingError struct {
	Event events.Event
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s (stream %s/%s v%d): %v",
		e.Event.EventType, e.Event.StreamType, e.Event.StreamID, e.Event.StreamVersion, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
