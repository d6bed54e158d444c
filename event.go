package eventsourcing

import (
	"encoding/json"
	"time"
)

const (
	// MetaCausationID is the metadata key holding the id of the event or
	// command that caused an event
	MetaCausationID = "causationIdentifier"

	// MetaCorrelationID is the metadata key holding the id shared by all
	// events of one logical operation
	MetaCorrelationID = "correlationIdentifier"
)

// Metadata holds structured event meta data (causation, correlation, ...)
type Metadata map[string]string

// CausationID returns the causation id or an empty string
func (m Metadata) CausationID() string { return m[MetaCausationID] }

// CorrelationID returns the correlation id or an empty string
func (m Metadata) CorrelationID() string { return m[MetaCorrelationID] }

// WritableEvent represents an event that is to be committed to a stream
type WritableEvent struct {
	Type     string
	Payload  json.RawMessage
	Metadata Metadata

	// Optional - generated by the storage if empty
	Identifier string
}

// RawEvent is the immutable stored representation of an event.
// It is created exactly once by a Storage when the event is committed.
type RawEvent struct {
	// SequenceNumber is global to the store that recorded the event and
	// strictly increasing across all of its streams (starts at 1)
	SequenceNumber uint64

	Type     string
	Payload  json.RawMessage
	Metadata Metadata

	StreamName string

	// Version is the 0-based position of the event within its stream
	Version int64

	Identifier string
	RecordedAt time.Time
}

// EventEnvelope pairs a decoded domain event with the raw event it was
// decoded from
type EventEnvelope struct {
	Event any
	Raw   RawEvent
}
