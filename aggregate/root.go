// Package aggregate provides an event sourced aggregate root and a repository
// persisting aggregates to the event store owning their stream
package aggregate

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/aneshas/eventsourcing"
)

var (
	// ErrMissingAggregateEventHandler is returned when aggregate event handler is missing
	// When{EventName} method
	ErrMissingAggregateEventHandler = errors.New("missing aggregate event handler")

	// ErrAggregateRootNotAPointer is returned when supplied aggregate root is not a pointer
	ErrAggregateRootNotAPointer = errors.New("aggregate needs to be a pointer")

	// ErrAggregateRootNotRehydrated is returned when aggregate is not rehydrated (with Rehydrate method)
	ErrAggregateRootNotRehydrated = errors.New("aggregate needs to be rehydrated")
)

// Rooter is implemented by every aggregate embedding Root
type Rooter interface {
	StringID() string
	Version() int64
	Rehydrate(aggregatePtr any, events ...any)
	UncommittedEvents() []any
	PullUncommittedEvents() []any
}

// Root represents reusable DDD Event Sourcing friendly Aggregate
// base type which provides helpers for easy aggregate initialization and
// event handler execution
type Root[T fmt.Stringer] struct {
	id T

	version     int64
	uncommitted []any

	ptr reflect.Value
}

// ID returns the aggregate id
func (a *Root[T]) ID() T { return a.id }

// SetID sets the aggregate id, usually from the handler of the event
// creating the aggregate
func (a *Root[T]) SetID(id T) { a.id = id }

// StringID returns the string representation of the aggregate id
func (a *Root[T]) StringID() string { return a.id.String() }

// Rehydrate is used to construct and rehydrate the aggregate from events
func (a *Root[T]) Rehydrate(aggregatePtr any, events ...any) {
	a.ptr = reflect.ValueOf(aggregatePtr)

	if a.ptr.Kind() != reflect.Ptr {
		panic(ErrAggregateRootNotAPointer)
	}

	for _, evt := range events {
		a.mutate(evt)

		a.version++
	}
}

// Version returns the number of committed events the aggregate was built
// from (the version of its last event is Version()-1)
func (a *Root[T]) Version() int64 { return a.version }

// ExpectedVersion returns the commit precondition for the uncommitted events
func (a *Root[T]) ExpectedVersion() eventsourcing.ExpectedVersion {
	return eventsourcing.ExpectedVersion(a.version - 1)
}

// UncommittedEvents returns the recorded events which were not pulled yet
func (a *Root[T]) UncommittedEvents() []any {
	if a.uncommitted == nil {
		return []any{}
	}

	return a.uncommitted
}

// PullUncommittedEvents returns the recorded events and forgets them. The
// version is advanced as if they were committed
func (a *Root[T]) PullUncommittedEvents() []any {
	events := a.UncommittedEvents()

	a.version += int64(len(a.uncommitted))
	a.uncommitted = nil

	return events
}

// RecordThat mutates aggregate (calls respective event handler) and
// records the event, so that it can be pulled with PullUncommittedEvents.
// In order for RecordThat to work the derived aggregate struct needs to implement
// an event handler method for all events it produces eg:
//
// If it produces event of type: SomethingImportantHappened
// Derived aggregate should have the following method implemented:
// func (a *SomeAggregate) WhenSomethingImportantHappened(e SomethingImportantHappened)
func (a *Root[T]) RecordThat(events ...any) {
	if !a.ptr.IsValid() {
		panic(ErrAggregateRootNotRehydrated)
	}

	for _, evt := range events {
		a.mutate(evt)

		a.uncommitted = append(a.uncommitted, evt)
	}
}

func (a *Root[T]) mutate(evt any) {
	ev := reflect.TypeOf(evt)
	for ev.Kind() == reflect.Pointer {
		ev = ev.Elem()
	}

	h := a.ptr.MethodByName("When" + ev.Name())

	if !h.IsValid() || h.Type().NumIn() != 1 {
		panic(fmt.Errorf("%w: When%s", ErrMissingAggregateEventHandler, ev.Name()))
	}

	arg := reflect.ValueOf(evt)
	want := h.Type().In(0)

	switch {
	case arg.Type() == want:
	case arg.Kind() == reflect.Pointer && arg.Elem().Type() == want:
		arg = arg.Elem()
	case want.Kind() == reflect.Pointer && want.Elem() == arg.Type():
		ptr := reflect.New(arg.Type())
		ptr.Elem().Set(arg)
		arg = ptr
	default:
		panic(fmt.Errorf("%w: When%s does not accept %s", ErrMissingAggregateEventHandler, ev.Name(), arg.Type()))
	}

	h.Call([]reflect.Value{arg})
}
