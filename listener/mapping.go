package listener

import (
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/aneshas/eventsourcing"
)

// Preset is a listener pattern entry of an event store
type Preset struct {
	Enabled bool
	Options map[string]any
}

// StorePresets maps event store ids to their listener patterns. Patterns are
// regular expressions matched against the whole listener id
type StorePresets map[string]map[string]Preset

// Mapping binds one handler of a listener to the event type it handles
type Mapping struct {
	EventType   string
	ListenerID  string
	HandlerName string
	Options     map[string]any
}

// MappingProvider is the immutable result of binding every discovered
// listener to exactly one event store
type MappingProvider struct {
	catalog  *Catalog
	mappings map[string][]Mapping
	stores   map[string]string
}

// NewMappingProvider binds the catalog's listeners to stores. Stores and
// their patterns are processed in lexical order. Construction fails if a
// listener is matched twice, an enabled pattern matches nothing, a listener
// is left unmatched or a store has no enabled preset
func NewMappingProvider(catalog *Catalog, presets StorePresets) (*MappingProvider, error) {
	const op = "bind listeners"

	if len(presets) == 0 {
		return nil, eventsourcing.NewConfigurationError(op, "no event store has listener presets configured")
	}

	p := MappingProvider{
		catalog:  catalog,
		mappings: map[string][]Mapping{},
		stores:   map[string]string{},
	}

	matched := map[string]Binding{}

	for _, store := range sortedKeys(presets) {
		storePresets := presets[store]
		enabled := 0

		for _, pattern := range sortedKeys(storePresets) {
			preset := storePresets[pattern]
			if !preset.Enabled {
				continue
			}

			enabled++

			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return nil, &eventsourcing.ConfigurationError{
					Op:  op,
					Err: fmt.Errorf("invalid listener pattern %s.%s: %w", store, pattern, err),
				}
			}

			binding := Binding{Store: store, Pattern: pattern}
			hit := false

			for _, l := range catalog.Listeners() {
				if !re.MatchString(l.ID) {
					continue
				}

				if first, ok := matched[l.ID]; ok {
					return nil, &AmbiguousListenerBindingError{
						ListenerID: l.ID,
						First:      first,
						Second:     binding,
					}
				}

				hit = true
				matched[l.ID] = binding
				p.stores[l.ID] = store

				for _, eventType := range l.EventTypes() {
					h, _ := l.Handler(eventType)

					p.mappings[store] = append(p.mappings[store], Mapping{
						EventType:   eventType,
						ListenerID:  l.ID,
						HandlerName: h.Name,
						Options:     preset.Options,
					})
				}
			}

			if !hit {
				return nil, &UnmatchedPatternError{Binding: binding}
			}
		}

		if enabled == 0 {
			return nil, eventsourcing.NewConfigurationError(
				op, "event store %q has no enabled listener preset", store,
			)
		}
	}

	var unmatched []string

	for _, l := range catalog.Listeners() {
		if _, ok := matched[l.ID]; !ok {
			unmatched = append(unmatched, l.ID)
		}
	}

	if len(unmatched) > 0 {
		return nil, &UnmatchedListenerError{ListenerIDs: unmatched}
	}

	return &p, nil
}

// MappingsForStore returns the mappings of the listeners bound to the store
func (p *MappingProvider) MappingsForStore(storeID string) ([]Mapping, error) {
	mappings, ok := p.mappings[storeID]
	if !ok {
		return nil, &eventsourcing.LookupError{
			Op:  "get listener mappings of event store",
			Key: storeID,
			Err: eventsourcing.ErrNotFound,
		}
	}

	return slices.Clone(mappings), nil
}

// StoreForListener returns the id of the event store the listener is bound to
func (p *MappingProvider) StoreForListener(listenerID string) (string, error) {
	store, ok := p.stores[listenerID]
	if !ok {
		return "", &eventsourcing.LookupError{
			Op:  "get event store of listener",
			Key: listenerID,
			Err: eventsourcing.ErrNotFound,
		}
	}

	return store, nil
}

// Listener returns a bound listener by id
func (p *MappingProvider) Listener(listenerID string) (*Listener, error) {
	l, ok := p.catalog.Listener(listenerID)
	if !ok {
		return nil, &eventsourcing.LookupError{
			Op:  "get listener",
			Key: listenerID,
			Err: eventsourcing.ErrNotFound,
		}
	}

	return l, nil
}

// Listeners returns every bound listener sorted by id
func (p *MappingProvider) Listeners() []*Listener {
	return p.catalog.Listeners()
}

// Stores returns the ids of the stores having listeners, sorted
func (p *MappingProvider) Stores() []string {
	return sortedKeys(p.mappings)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
