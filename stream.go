package eventsourcing

import (
	"context"
	"fmt"
	"iter"
)

// DefaultBatchSize is the number of events a stream fetches from its storage at once
const DefaultBatchSize = 100

// BatchFetcher loads at most limit events with a sequence number of at least
// fromSeq, ordered by sequence number. Storage implementations provide one per
// filter so that EventStream can page through arbitrarily long streams.
type BatchFetcher func(ctx context.Context, fromSeq uint64, limit int) ([]RawEvent, error)

// EventStream is a lazy, forward-only sequence of raw events.
// Events are fetched in batches, batch boundaries are invisible to the consumer:
//
//	for stream.Next(ctx) {
//		evt := stream.Event()
//	}
//
//	if err := stream.Err(); err != nil {
//		...
//	}
type EventStream struct {
	fetch     BatchFetcher
	batchSize int
	start     uint64

	from      uint64
	batch     []RawEvent
	pos       int
	fetched   bool
	exhausted bool
	err       error
}

// NewEventStream constructs an event stream starting at sequence number start
// (inclusive). A batch size < 1 falls back to DefaultBatchSize
func NewEventStream(fetch BatchFetcher, start uint64, batchSize int) *EventStream {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	return &EventStream{
		fetch:     fetch,
		batchSize: batchSize,
		start:     start,
		from:      start,
		pos:       -1,
	}
}

// Next advances the stream to the next event, fetching the next batch if
// needed. It returns false once the stream is depleted or an error occurred
func (s *EventStream) Next(ctx context.Context) bool {
	for {
		if s.err != nil {
			return false
		}

		if s.pos+1 < len(s.batch) {
			s.pos++

			return true
		}

		if s.exhausted {
			return false
		}

		s.fetchBatch(ctx)
	}
}

// Event returns the current event (valid after Next returned true)
func (s *EventStream) Event() RawEvent {
	if s.pos < 0 || s.pos >= len(s.batch) {
		return RawEvent{}
	}

	return s.batch[s.pos]
}

// Err returns the error which stopped the iteration, if any
func (s *EventStream) Err() error { return s.err }

// Rewind resets the stream to its start. The underlying query is re-issued on
// the next call to Next
func (s *EventStream) Rewind() {
	if !s.fetched && s.pos < 0 {
		return
	}

	s.from = s.start
	s.batch = nil
	s.pos = -1
	s.fetched = false
	s.exhausted = false
	s.err = nil
}

// All returns the remaining events as an iterator. An iteration error is
// yielded as the last element
func (s *EventStream) All(ctx context.Context) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		for s.Next(ctx) {
			if !yield(s.Event(), nil) {
				return
			}
		}

		if err := s.Err(); err != nil {
			yield(RawEvent{}, err)
		}
	}
}

// Collect depletes the stream into a slice
// WARNING: this materializes the whole stream, use Next for long streams
func (s *EventStream) Collect(ctx context.Context) ([]RawEvent, error) {
	var out []RawEvent

	for evt, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}

		out = append(out, evt)
	}

	return out, nil
}

// empty reports whether the stream holds no events without consuming any
func (s *EventStream) empty(ctx context.Context) (bool, error) {
	for s.pos+1 >= len(s.batch) && !s.exhausted && s.err == nil {
		s.fetchBatch(ctx)
	}

	return s.pos+1 >= len(s.batch), s.err
}

func (s *EventStream) fetchBatch(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		s.err = err

		return
	}

	evts, err := s.fetch(ctx, s.from, s.batchSize)
	if err != nil {
		s.err = fmt.Errorf("fetch events from %d: %w", s.from, err)

		return
	}

	s.fetched = true

	for _, evt := range evts {
		if evt.SequenceNumber < s.from {
			s.err = fmt.Errorf(
				"storage returned out of order event %d, expected >= %d",
				evt.SequenceNumber, s.from,
			)

			return
		}

		s.from = evt.SequenceNumber + 1
	}

	s.batch = evts
	s.pos = -1
	s.exhausted = len(evts) < s.batchSize
}
