package eventsourcing

import (
	"slices"
	"strconv"
	"strings"
)

// StreamFilter is an immutable query descriptor used both to select events
// and to select the event store owning them
type StreamFilter struct {
	streamName  string
	minSequence uint64
	eventTypes  []string
}

// FilterOption configures a StreamFilter
type FilterOption func(*StreamFilter)

// NewStreamFilter constructs a stream filter
func NewStreamFilter(opts ...FilterOption) StreamFilter {
	var f StreamFilter

	for _, opt := range opts {
		opt(&f)
	}

	return f
}

// StreamNameFilter selects all events of a single stream
func StreamNameFilter(streamName string) StreamFilter {
	return NewStreamFilter(WithStreamName(streamName))
}

// EventTypesFilter selects all events of the given types, across streams
func EventTypesFilter(eventTypes ...string) StreamFilter {
	return NewStreamFilter(WithEventTypes(eventTypes...))
}

// WithStreamName restricts the filter to a single stream
func WithStreamName(name string) FilterOption {
	return func(f *StreamFilter) {
		f.streamName = name
	}
}

// WithMinimumSequenceNumber restricts the filter to events with a sequence
// number greater than or equal to seq
func WithMinimumSequenceNumber(seq uint64) FilterOption {
	return func(f *StreamFilter) {
		f.minSequence = seq
	}
}

// WithEventTypes restricts the filter to the given event types
func WithEventTypes(types ...string) FilterOption {
	return func(f *StreamFilter) {
		set := slices.Clone(types)
		slices.Sort(set)
		f.eventTypes = slices.Compact(set)
	}
}

// StreamName returns the stream name constraint (empty if none)
func (f StreamFilter) StreamName() string { return f.streamName }

// MinimumSequenceNumber returns the inclusive lower sequence number bound
func (f StreamFilter) MinimumSequenceNumber() uint64 { return f.minSequence }

// EventTypes returns a sorted copy of the event types constraint
func (f StreamFilter) EventTypes() []string { return slices.Clone(f.eventTypes) }

// Matches reports whether a raw event satisfies the filter
func (f StreamFilter) Matches(evt RawEvent) bool {
	if f.streamName != "" && evt.StreamName != f.streamName {
		return false
	}

	if evt.SequenceNumber < f.minSequence {
		return false
	}

	if len(f.eventTypes) > 0 {
		_, found := slices.BinarySearch(f.eventTypes, evt.Type)

		return found
	}

	return true
}

// With returns a copy of the filter with additional options applied
func (f StreamFilter) With(opts ...FilterOption) StreamFilter {
	f.eventTypes = slices.Clone(f.eventTypes)

	for _, opt := range opts {
		opt(&f)
	}

	return f
}

func (f StreamFilter) String() string {
	var parts []string

	if f.streamName != "" {
		parts = append(parts, "stream="+f.streamName)
	}

	if len(f.eventTypes) > 0 {
		parts = append(parts, "types="+strings.Join(f.eventTypes, ","))
	}

	if f.minSequence > 0 {
		parts = append(parts, "from="+strconv.FormatUint(f.minSequence, 10))
	}

	if len(parts) == 0 {
		return "all"
	}

	return strings.Join(parts, " ")
}
