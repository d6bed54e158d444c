// Package listener discovers event handlers on listener values and binds
// listeners to the single event store they consume from
package listener

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"

	"github.com/aneshas/eventsourcing"
)

var (
	handlerName = regexp.MustCompile(`^When[A-Z]`)

	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	rawType   = reflect.TypeOf(eventsourcing.RawEvent{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// TypeRegistry resolves the event type name of a go type
// (see eventsourcing.JSONEncoder)
type TypeRegistry interface {
	NameOf(t reflect.Type) (string, bool)
}

// Identifier can be implemented by listeners to override their default
// identifier (the package path qualified type name)
type Identifier interface {
	ListenerID() string
}

// Handler is a single When<Event> method of a listener
type Handler struct {
	EventType string
	Name      string

	method  reflect.Value
	withCtx bool
	withRaw bool
	withErr bool
}

// Listener is a discovered listener value and its handlers indexed by event type
type Listener struct {
	ID    string
	Type  string
	Value any

	handlers map[string]Handler
}

// EventTypes returns the sorted event types the listener handles
func (l *Listener) EventTypes() []string {
	out := make([]string, 0, len(l.handlers))
	for t := range l.handlers {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

// Handler returns the handler of the given event type
func (l *Listener) Handler(eventType string) (Handler, bool) {
	h, ok := l.handlers[eventType]

	return h, ok
}

// Handle invokes the handler of the envelope's event type.
// Events the listener has no handler for are ignored
func (l *Listener) Handle(ctx context.Context, env eventsourcing.EventEnvelope) error {
	h, ok := l.handlers[env.Raw.Type]
	if !ok {
		return nil
	}

	args := make([]reflect.Value, 0, 3)

	if h.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}

	evt := reflect.ValueOf(env.Event)
	param := h.method.Type().In(len(args))

	if !evt.IsValid() {
		return fmt.Errorf("%s.%s: no event decoded", l.ID, h.Name)
	}

	if evt.Type() != param {
		switch {
		case param.Kind() == reflect.Pointer && evt.Type() == param.Elem():
			ptr := reflect.New(evt.Type())
			ptr.Elem().Set(evt)
			evt = ptr
		case evt.Kind() == reflect.Pointer && evt.Type().Elem() == param:
			evt = evt.Elem()
		default:
			return fmt.Errorf("%s.%s: cannot handle %s", l.ID, h.Name, evt.Type())
		}
	}

	args = append(args, evt)

	if h.withRaw {
		args = append(args, reflect.ValueOf(env.Raw))
	}

	out := h.method.Call(args)

	if h.withErr && !out[0].IsNil() {
		return out[0].Interface().(error)
	}

	return nil
}

// Catalog is the immutable set of discovered listeners
type Catalog struct {
	listeners map[string]*Listener
	ids       []string
}

// Discover inspects the exported When<Event> methods of each listener once.
// A handler accepts an optional leading context.Context, the event (a type
// known to the registry) and an optional trailing eventsourcing.RawEvent, and
// returns nothing or an error. Its name has to be "When" followed by the short
// name of the event type
func Discover(registry TypeRegistry, listeners ...any) (*Catalog, error) {
	c := Catalog{
		listeners: make(map[string]*Listener, len(listeners)),
	}

	for _, value := range listeners {
		l, err := discover(registry, value)
		if err != nil {
			return nil, err
		}

		if other, ok := c.listeners[l.ID]; ok {
			return nil, eventsourcing.NewConfigurationError(
				"discover listeners",
				"listener id %q is used by both %s and %s", l.ID, other.Type, l.Type,
			)
		}

		c.listeners[l.ID] = l
		c.ids = append(c.ids, l.ID)
	}

	sort.Strings(c.ids)

	return &c, nil
}

// MustDiscover is like Discover but panics on error
func MustDiscover(registry TypeRegistry, listeners ...any) *Catalog {
	c, err := Discover(registry, listeners...)
	if err != nil {
		panic(err)
	}

	return c
}

// Listeners returns the discovered listeners sorted by id
func (c *Catalog) Listeners() []*Listener {
	out := make([]*Listener, len(c.ids))
	for i, id := range c.ids {
		out[i] = c.listeners[id]
	}

	return out
}

// Listener returns a listener by id
func (c *Catalog) Listener(id string) (*Listener, bool) {
	l, ok := c.listeners[id]

	return l, ok
}

func discover(registry TypeRegistry, value any) (*Listener, error) {
	if value == nil {
		return nil, eventsourcing.NewConfigurationError("discover listeners", "nil listener")
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	l := Listener{
		ID:       listenerID(value),
		Type:     t.String(),
		Value:    value,
		handlers: map[string]Handler{},
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)

		if !handlerName.MatchString(m.Name) {
			continue
		}

		h, err := handler(registry, l.Type, m.Name, v.Method(i))
		if err != nil {
			return nil, err
		}

		l.handlers[h.EventType] = h
	}

	if len(l.handlers) == 0 {
		return nil, &InvalidListenerError{
			Listener: l.Type,
			Reason:   "no handler methods have been detected, a handler has the signature When<Event>(<Event>) and every listener has to implement at least one",
		}
	}

	return &l, nil
}

func handler(registry TypeRegistry, listener, name string, method reflect.Value) (Handler, error) {
	invalid := func(format string, args ...any) error {
		return &InvalidListenerError{
			Listener: listener,
			Method:   name,
			Reason:   fmt.Sprintf(format, args...),
		}
	}

	mt := method.Type()
	h := Handler{Name: name, method: method}

	in := make([]reflect.Type, mt.NumIn())
	for i := range in {
		in[i] = mt.In(i)
	}

	if len(in) > 0 && in[0] == ctxType {
		h.withCtx = true
		in = in[1:]
	}

	if len(in) == 0 {
		return h, invalid("the signature is wrong, it must accept a domain event and optionally a RawEvent")
	}

	if mt.IsVariadic() {
		return h, invalid("variadic handlers are not supported")
	}

	eventType, ok := registry.NameOf(in[0])
	if !ok {
		return h, invalid("the first parameter must be a registered domain event but %s is expected", in[0])
	}

	h.EventType = eventType

	if len(in) > 1 {
		if in[1] != rawType {
			return h, invalid("if the second parameter is present it has to be a RawEvent but %s is expected", in[1])
		}

		h.withRaw = true
	}

	if len(in) > 2 {
		return h, invalid("too many parameters")
	}

	switch {
	case mt.NumOut() == 0:
	case mt.NumOut() == 1 && mt.Out(0) == errorType:
		h.withErr = true
	default:
		return h, invalid("a handler may only return an error")
	}

	if expected := "When" + eventsourcing.ShortName(eventType); expected != name {
		return h, invalid("the method name is expected to be %q", expected)
	}

	return h, nil
}

func listenerID(value any) string {
	if id, ok := value.(Identifier); ok {
		return id.ListenerID()
	}

	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.PkgPath() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}
