// Package eventsourcing provides an event store substrate which routes streams
// and event types across multiple, independently configured storage backends.
// Apart from the event stores and their Manager, mechanisms for binding
// listeners to stores (see listener), building projections (see projection)
// and working with aggregate roots (see aggregate) are provided
package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ExpectedVersion is an optimistic concurrency precondition of a commit
type ExpectedVersion int64

const (
	// ExpectedVersionAny skips the concurrency check
	ExpectedVersionAny ExpectedVersion = -2

	// ExpectedVersionNoStream requires the stream to not have any events yet
	ExpectedVersionNoStream ExpectedVersion = -1
)

func (v ExpectedVersion) String() string {
	switch v {
	case ExpectedVersionAny:
		return "any"
	case ExpectedVersionNoStream:
		return "no stream"
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}

// Check verifies the precondition against the current version of a stream
// (-1 for streams without events). Storage implementations use it inside of
// their commit transaction
func (v ExpectedVersion) Check(streamName string, current int64) error {
	if v == ExpectedVersionAny || int64(v) == current {
		return nil
	}

	if v < ExpectedVersionAny {
		return fmt.Errorf("invalid expected version %d", int64(v))
	}

	return &ConcurrencyError{
		StreamName: streamName,
		Expected:   v,
		Actual:     current,
	}
}

// Status represents the health of a storage backend
type Status struct {
	Backend string
	Healthy bool
	Events  uint64
	Details map[string]string
}

// Storage is a durable append-only store for one logical partition of events
type Storage interface {
	// Load returns a lazy stream of all events matching the filter
	Load(ctx context.Context, filter StreamFilter) (*EventStream, error)

	// LoadOne returns the first event matching the filter or ErrEventNotFound
	LoadOne(ctx context.Context, filter StreamFilter) (RawEvent, error)

	// Commit atomically appends events to a stream. Implementations must check
	// the expected version in the same transaction (see ExpectedVersion.Check)
	Commit(ctx context.Context, streamName string, events []WritableEvent, expected ExpectedVersion) ([]RawEvent, error)

	Status(ctx context.Context) (Status, error)
	Setup(ctx context.Context) error
}

// NewEventStore binds a storage backend to the event store contract
func NewEventStore(id string, storage Storage) *EventStore {
	return &EventStore{
		id:      id,
		storage: storage,
	}
}

// EventStore is a thin facade over a single Storage
type EventStore struct {
	id      string
	storage Storage
}

// ID returns the identifier of the registration the store was created from
func (es *EventStore) ID() string { return es.id }

// Storage returns the underlying storage backend
func (es *EventStore) Storage() Storage { return es.storage }

// Get loads the events matching the filter.
// If the filter names a stream which has no events ErrStreamNotFound is returned
func (es *EventStore) Get(ctx context.Context, filter StreamFilter) (*EventStream, error) {
	stream, err := es.storage.Load(ctx, filter)
	if err != nil {
		return nil, err
	}

	if filter.StreamName() == "" {
		return stream, nil
	}

	empty, err := stream.empty(ctx)
	if err != nil {
		return nil, err
	}

	if empty {
		return nil, &LookupError{
			Op:  "get stream",
			Key: filter.StreamName(),
			Err: ErrStreamNotFound,
		}
	}

	return stream, nil
}

// GetOne returns the first event matching the filter
func (es *EventStore) GetOne(ctx context.Context, filter StreamFilter) (RawEvent, error) {
	evt, err := es.storage.LoadOne(ctx, filter)
	if errors.Is(err, ErrEventNotFound) {
		return RawEvent{}, &LookupError{
			Op:  "get event",
			Key: filter.String(),
			Err: ErrEventNotFound,
		}
	}

	return evt, err
}

// Commit appends events to the given stream. expected should be
// ExpectedVersionNoStream for new streams, the version of the last event for
// existing streams or ExpectedVersionAny to skip the check.
// Committed events are returned in commit order with their sequence numbers
// and versions assigned
func (es *EventStore) Commit(
	ctx context.Context,
	streamName string,
	events []WritableEvent,
	expected ExpectedVersion) ([]RawEvent, error) {

	if len(streamName) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	if expected < ExpectedVersionAny {
		return nil, fmt.Errorf("invalid expected version %d", int64(expected))
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event must be provided")
	}

	for i, evt := range events {
		if evt.Type == "" {
			return nil, fmt.Errorf("event %d of stream %q has no type", i, streamName)
		}
	}

	return es.storage.Commit(ctx, streamName, events, expected)
}

// Status returns the status of the underlying storage
func (es *EventStore) Status(ctx context.Context) (Status, error) {
	return es.storage.Status(ctx)
}

// Setup initializes the underlying storage (eg. creates tables)
func (es *EventStore) Setup(ctx context.Context) error {
	return es.storage.Setup(ctx)
}
