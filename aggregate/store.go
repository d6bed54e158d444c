package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/aneshas/eventsourcing"
)

// ErrAggregateNotFound is returned when the aggregate stream has no events
var ErrAggregateNotFound = errors.New("aggregate not found")

// StreamName returns the name of the stream holding the events of an aggregate
func StreamName(boundedContext, aggregateType, id string) string {
	return boundedContext + ":" + aggregateType + ":" + id
}

// Codec encodes domain events for storage and decodes them back
// (see eventsourcing.JSONEncoder)
type Codec interface {
	Encode(evt any, meta eventsourcing.Metadata) (eventsourcing.WritableEvent, error)
	Decode(raw eventsourcing.RawEvent) (any, error)
}

// StoreResolver resolves the event store owning a stream (see eventsourcing.Manager)
type StoreResolver interface {
	StoreForStreamName(streamName string) (*eventsourcing.EventStore, error)
}

// NewStore constructs new event sourced aggregate store for aggregates of
// aggregateType living in boundedContext
func NewStore[T Rooter](
	boundedContext, aggregateType string,
	stores StoreResolver,
	codec Codec) *Store[T] {

	return &Store[T]{
		boundedContext: boundedContext,
		aggregateType:  aggregateType,
		stores:         stores,
		codec:          codec,
	}
}

// Store represents event sourced aggregate store
type Store[T Rooter] struct {
	boundedContext string
	aggregateType  string
	stores         StoreResolver
	codec          Codec
}

// StreamName returns the stream name of the aggregate with the given id
func (s *Store[T]) StreamName(id string) string {
	return StreamName(s.boundedContext, s.aggregateType, id)
}

// Save commits the uncommitted aggregate events to the event store owning
// the aggregate stream. Metadata, causation and correlation ids are taken from
// the context (see CtxWithMeta). A concurrent modification of the aggregate
// results in an error matching eventsourcing.ErrConcurrencyConflict.
// The events are pulled from the aggregate only after a successful commit
func (s *Store[T]) Save(ctx context.Context, aggregate T) ([]eventsourcing.RawEvent, error) {
	expected := eventsourcing.ExpectedVersion(aggregate.Version() - 1)

	events := aggregate.UncommittedEvents()
	if len(events) == 0 {
		return nil, nil
	}

	name := s.StreamName(aggregate.StringID())

	es, err := s.stores.StoreForStreamName(name)
	if err != nil {
		return nil, err
	}

	meta := metaFromCtx(ctx)
	writable := make([]eventsourcing.WritableEvent, 0, len(events))

	for _, evt := range events {
		w, err := s.codec.Encode(evt, meta)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", evt, err)
		}

		writable = append(writable, w)
	}

	committed, err := es.Commit(ctx, name, writable, expected)
	if err != nil {
		return nil, err
	}

	aggregate.PullUncommittedEvents()

	return committed, nil
}

// ByID finds aggregate events by its id and rehydrates the aggregate
func (s *Store[T]) ByID(ctx context.Context, id string, root T) error {
	name := s.StreamName(id)

	es, err := s.stores.StoreForStreamName(name)
	if err != nil {
		return err
	}

	stream, err := es.Get(ctx, eventsourcing.StreamNameFilter(name))
	if err != nil {
		if errors.Is(err, eventsourcing.ErrStreamNotFound) {
			return fmt.Errorf("%s %q: %w", s.aggregateType, id, ErrAggregateNotFound)
		}

		return err
	}

	var events []any

	for raw, err := range stream.All(ctx) {
		if err != nil {
			return err
		}

		evt, err := s.codec.Decode(raw)
		if err != nil {
			return err
		}

		events = append(events, evt)
	}

	root.Rehydrate(root, events...)

	return nil
}
