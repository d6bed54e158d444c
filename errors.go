package eventsourcing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidConfiguration is wrapped by every configuration error. Configuration
	// errors are detected at construction time and must not be retried
	ErrInvalidConfiguration = errors.New("invalid event sourcing configuration")

	// ErrStreamNotFound indicates that the requested stream does not exist in the event store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrEventNotFound indicates that no event matched a filter
	ErrEventNotFound = errors.New("event not found")

	// ErrNotFound is a generic lookup failure (unknown store, listener, ...)
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict indicates that the expected version of a stream did not
	// match its actual version
	ErrConcurrencyConflict = errors.New("optimistic concurrency check failed")

	// ErrDuplicateEvent indicates that an event identifier is already stored.
	// Retrying the commit does not help
	ErrDuplicateEvent = errors.New("duplicate event identifier")
)

type (
	// ConfigurationError reports an inconsistent store, listener or projection
	// configuration
	ConfigurationError struct {
		Op  string
		Err error
	}

	// LookupError reports a recoverable lookup failure
	LookupError struct {
		Op  string
		Key string
		Err error
	}

	// ConcurrencyError reports an expected version mismatch on commit
	ConcurrencyError struct {
		StreamName string
		Expected   ExpectedVersion
		Actual     int64
	}

	// DuplicateEventError reports a commit carrying an event identifier that is
	// already stored (or repeated within the commit)
	DuplicateEventError struct {
		StreamName string
		Identifier string
	}

	// AmbiguousRoutingError is returned when a set of event types resolves to more
	// than one event store
	AmbiguousRoutingError struct {
		// Stores maps each event type to the identifier of the store it resolved to
		Stores map[string]string
	}
)

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return e.Op
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is makes every configuration error match ErrInvalidConfiguration
func (e *ConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }

// NewConfigurationError constructs a configuration error with a formatted cause
func NewConfigurationError(op, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Op:  op,
		Err: fmt.Errorf(format, args...),
	}
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"%v: stream %q expected version %s, actual version %d",
		ErrConcurrencyConflict, e.StreamName, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

func (e *DuplicateEventError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("%v: commit to stream %q", ErrDuplicateEvent, e.StreamName)
	}

	return fmt.Sprintf("%v: %q (stream %q)", ErrDuplicateEvent, e.Identifier, e.StreamName)
}

func (e *DuplicateEventError) Unwrap() error { return ErrDuplicateEvent }

func (e *AmbiguousRoutingError) Error() string {
	types := make([]string, 0, len(e.Stores))
	for t := range e.Stores {
		types = append(types, t)
	}

	sort.Strings(types)

	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%q => %q", t, e.Stores[t])
	}

	return "event types resolve to different event stores: " + strings.Join(parts, ", ")
}

// IsConfigurationError checks if the error is a configuration error
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsConcurrencyError checks if the error is a concurrency conflict
func IsConcurrencyError(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsLookupError checks if the error is a recoverable lookup failure
func IsLookupError(err error) bool {
	var lookupErr *LookupError
	return errors.As(err, &lookupErr)
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}

	return nil, false
}
