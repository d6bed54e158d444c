package eventsourcing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// NewJSONEncoder constructs json encoder
func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// JSONEncoder marshals domain events to and from json and maps go types to
// event type names of the form "<BoundedContext>:<ShortName>".
// Events must be registered before use, registration is not safe for
// concurrent use with encoding or decoding
type JSONEncoder struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// Register registers events under the given bounded context.
// Registering the same type name or go type twice is a configuration error
func (e *JSONEncoder) Register(boundedContext string, evts ...any) error {
	if boundedContext == "" || strings.Contains(boundedContext, ":") {
		return NewConfigurationError(
			"register events", "invalid bounded context %q", boundedContext,
		)
	}

	for _, evt := range evts {
		t := eventType(reflect.TypeOf(evt))
		if t == nil || t.Name() == "" {
			return NewConfigurationError(
				"register events", "event %T must be a named type", evt,
			)
		}

		name := boundedContext + ":" + t.Name()

		if other, ok := e.types[name]; ok {
			return NewConfigurationError(
				"register events",
				"event type %q is registered for both %s and %s", name, other, t,
			)
		}

		if other, ok := e.names[t]; ok {
			return NewConfigurationError(
				"register events",
				"%s is already registered as event type %q", t, other,
			)
		}

		e.types[name] = t
		e.names[t] = name
	}

	return nil
}

// MustRegister is like Register but panics on error
func (e *JSONEncoder) MustRegister(boundedContext string, evts ...any) *JSONEncoder {
	if err := e.Register(boundedContext, evts...); err != nil {
		panic(err)
	}

	return e
}

// TypeOf returns the event type name of a registered event
func (e *JSONEncoder) TypeOf(evt any) (string, error) {
	name, ok := e.NameOf(reflect.TypeOf(evt))
	if !ok {
		return "", &LookupError{
			Op:  "resolve event type",
			Key: fmt.Sprintf("%T", evt),
			Err: ErrNotFound,
		}
	}

	return name, nil
}

// NameOf returns the event type name registered for the go type
func (e *JSONEncoder) NameOf(t reflect.Type) (string, bool) {
	name, ok := e.names[eventType(t)]

	return name, ok
}

// Types returns all registered event type names, sorted
func (e *JSONEncoder) Types() []string {
	out := make([]string, 0, len(e.types))
	for name := range e.types {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Encode marshals incoming event to its json representation
func (e *JSONEncoder) Encode(evt any, meta Metadata) (WritableEvent, error) {
	name, err := e.TypeOf(evt)
	if err != nil {
		return WritableEvent{}, err
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return WritableEvent{}, fmt.Errorf("encode %s: %w", name, err)
	}

	return WritableEvent{
		Type:     name,
		Payload:  data,
		Metadata: meta,
	}, nil
}

// Decode unmarshals a raw event to its corresponding go type (a value, never
// a pointer)
func (e *JSONEncoder) Decode(raw RawEvent) (any, error) {
	t, ok := e.types[raw.Type]
	if !ok {
		return nil, &LookupError{
			Op:  "decode event",
			Key: raw.Type,
			Err: ErrNotFound,
		}
	}

	v := reflect.New(t)

	if err := json.Unmarshal(raw.Payload, v.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s (sequence number %d): %w", raw.Type, raw.SequenceNumber, err)
	}

	return v.Elem().Interface(), nil
}

// ShortName returns the part of an event type name after the bounded context
func ShortName(eventType string) string {
	_, short, found := strings.Cut(eventType, ":")
	if !found {
		return eventType
	}

	return short
}

func eventType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t
}
