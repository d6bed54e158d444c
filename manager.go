package eventsourcing

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FallbackPattern is the bounded context pattern of the store which owns
// everything not claimed by any other store
const FallbackPattern = "*"

// Registration is a named event store configuration entry
type Registration struct {
	ID string

	// Storage names the storage backend, it must match a factory registered
	// with WithStorageFactory
	Storage        string
	StorageOptions map[string]any

	// BoundedContexts maps bounded context patterns to their activation state
	BoundedContexts map[string]bool
}

// StorageFactory constructs a storage backend from its registration options
type StorageFactory func(options map[string]any) (Storage, error)

// ManagerOption represents event store manager configuration option
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the manager
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithStorageFactory makes a storage backend available under the given name
func WithStorageFactory(name string, factory StorageFactory) ManagerOption {
	return func(m *Manager) {
		m.factories[name] = factory
	}
}

type boundedContextPattern struct {
	value   string
	storeID string
}

func (p boundedContextPattern) matches(boundedContext string) bool {
	if boundedContext == p.value {
		return true
	}

	return strings.HasPrefix(boundedContext, p.value+".")
}

// Manager resolves the event store owning a stream, an event type or a bounded
// context. Stores are instantiated lazily, at most once per registration, and
// are safe to share between goroutines
type Manager struct {
	log          *slog.Logger
	factories    map[string]StorageFactory
	registration []Registration
	index        map[string]int
	patterns     []boundedContextPattern
	fallback     string

	mu     sync.RWMutex
	stores map[string]*EventStore
	group  singleflight.Group
}

// NewManager validates the registrations and constructs a manager.
// Registrations are validated eagerly: every registration needs a known storage
// backend and at least one bounded context, at most one registration may be the
// fallback and no bounded context may be claimed by two registrations
func NewManager(registrations []Registration, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		log:       slog.Default(),
		factories: map[string]StorageFactory{},
		index:     map[string]int{},
		stores:    map[string]*EventStore{},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.log = m.log.With(slog.String("component", "event_store_manager"))

	claimed := map[string]string{}

	for i, reg := range registrations {
		if err := m.validate(reg); err != nil {
			return nil, err
		}

		m.index[reg.ID] = i
		m.registration = append(m.registration, reg)

		for _, pattern := range sortedPatterns(reg.BoundedContexts) {
			if !reg.BoundedContexts[pattern] {
				continue
			}

			if pattern == FallbackPattern {
				if m.fallback != "" {
					return nil, NewConfigurationError(
						"validate event stores",
						"stores %q and %q are both configured as fallback (%q)",
						m.fallback, reg.ID, FallbackPattern,
					)
				}

				m.fallback = reg.ID

				continue
			}

			if other, ok := claimed[pattern]; ok {
				return nil, NewConfigurationError(
					"validate event stores",
					"bounded context pattern %q is configured for store %q and store %q",
					pattern, other, reg.ID,
				)
			}

			claimed[pattern] = reg.ID

			m.patterns = append(m.patterns, boundedContextPattern{
				value:   pattern,
				storeID: reg.ID,
			})
		}
	}

	// longest pattern wins, exact matches are always the longest
	sort.SliceStable(m.patterns, func(i, j int) bool {
		return len(m.patterns[i].value) > len(m.patterns[j].value)
	})

	return m, nil
}

func (m *Manager) validate(reg Registration) error {
	const op = "validate event stores"

	if reg.ID == "" {
		return NewConfigurationError(op, "event store identifier must be provided")
	}

	if _, ok := m.index[reg.ID]; ok {
		return NewConfigurationError(op, "event store %q is configured twice", reg.ID)
	}

	if reg.Storage == "" {
		return NewConfigurationError(op, "no storage is configured for event store %q", reg.ID)
	}

	if _, ok := m.factories[reg.Storage]; !ok {
		return NewConfigurationError(
			op, "storage %q of event store %q is not available", reg.Storage, reg.ID,
		)
	}

	if len(reg.BoundedContexts) == 0 {
		return NewConfigurationError(
			op, "event store %q does not target any bounded context", reg.ID,
		)
	}

	return nil
}

// BoundedContextOf returns the bounded context part of a stream name or
// event type (the text before the first ":")
func BoundedContextOf(name string) string {
	bc, _, _ := strings.Cut(name, ":")

	return bc
}

// StoreForStreamName returns the event store owning the given stream
func (m *Manager) StoreForStreamName(streamName string) (*EventStore, error) {
	return m.StoreForBoundedContext(BoundedContextOf(streamName))
}

// StoreForBoundedContext returns the event store owning the bounded context
func (m *Manager) StoreForBoundedContext(boundedContext string) (*EventStore, error) {
	id, err := m.resolve(boundedContext)
	if err != nil {
		return nil, err
	}

	return m.Store(id)
}

// StoreForEventTypes returns the single event store owning all of the given
// event types. The fallback store is returned for an empty set
func (m *Manager) StoreForEventTypes(eventTypes []string) (*EventStore, error) {
	if len(eventTypes) == 0 {
		return m.StoreForBoundedContext("")
	}

	var (
		stores = make(map[string]string, len(eventTypes))
		first  string
		split  bool
	)

	for i, eventType := range eventTypes {
		id, err := m.resolve(BoundedContextOf(eventType))
		if err != nil {
			return nil, err
		}

		stores[eventType] = id

		if i == 0 {
			first = id
		}

		if id != first {
			split = true
		}
	}

	if split {
		return nil, &AmbiguousRoutingError{Stores: stores}
	}

	return m.Store(first)
}

// StoreIDForBoundedContext resolves the identifier of the owning store
// without instantiating it
func (m *Manager) StoreIDForBoundedContext(boundedContext string) (string, error) {
	return m.resolve(boundedContext)
}

func (m *Manager) resolve(boundedContext string) (string, error) {
	for _, p := range m.patterns {
		if p.matches(boundedContext) {
			return p.storeID, nil
		}
	}

	if m.fallback == "" {
		return "", NewConfigurationError(
			"resolve event store",
			"no event store is configured for bounded context %q and there is no fallback store (%q)",
			boundedContext, FallbackPattern,
		)
	}

	return m.fallback, nil
}

// AllStores instantiates and returns every configured event store in
// registration order
func (m *Manager) AllStores() ([]*EventStore, error) {
	if len(m.registration) == 0 {
		return nil, NewConfigurationError("get all event stores", "no event store is configured")
	}

	stores := make([]*EventStore, 0, len(m.registration))

	for _, reg := range m.registration {
		es, err := m.Store(reg.ID)
		if err != nil {
			return nil, err
		}

		stores = append(stores, es)
	}

	return stores, nil
}

// Store returns the event store of the given registration, instantiating it
// on first access
func (m *Manager) Store(id string) (*EventStore, error) {
	m.mu.RLock()
	es, ok := m.stores[id]
	m.mu.RUnlock()

	if ok {
		return es, nil
	}

	idx, ok := m.index[id]
	if !ok {
		return nil, &LookupError{
			Op:  "get event store",
			Key: id,
			Err: ErrNotFound,
		}
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.RLock()
		es, ok := m.stores[id]
		m.mu.RUnlock()

		if ok {
			return es, nil
		}

		reg := m.registration[idx]

		storage, err := m.factories[reg.Storage](reg.StorageOptions)
		if err != nil {
			return nil, fmt.Errorf("instantiate event store %q (storage %q): %w", id, reg.Storage, err)
		}

		es = NewEventStore(id, storage)

		m.mu.Lock()
		m.stores[id] = es
		m.mu.Unlock()

		m.log.Debug(
			"event store instantiated",
			slog.String("store", id),
			slog.String("storage", reg.Storage),
		)

		return es, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*EventStore), nil
}

// Close closes every instantiated storage which holds resources. Every
// failure is reported in the joined error
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, reg := range m.registration {
		es, ok := m.stores[reg.ID]
		if !ok {
			continue
		}

		if c, ok := es.Storage().(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close event store %q: %w", reg.ID, err))
			}
		}
	}

	return errors.Join(errs...)
}

func sortedPatterns(patterns map[string]bool) []string {
	out := make([]string, 0, len(patterns))
	for p := range patterns {
		out = append(out, p)
	}

	sort.Strings(out)

	return out
}
