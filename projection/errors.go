package projection

import (
	"errors"
	"fmt"
)

// ErrProjectionNotFound indicates that no listener with the given id is bound
var ErrProjectionNotFound = errors.New("projection not found")

// DispatchError reports an event a projection failed to apply. The position of
// the projection is left at the previous event
type DispatchError struct {
	ProjectionID   string
	SequenceNumber uint64
	EventType      string
	Err            error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf(
		"projection %q failed to apply event %d (%s): %v",
		e.ProjectionID, e.SequenceNumber, e.EventType, e.Err,
	)
}

func (e *DispatchError) Unwrap() error { return e.Err }
