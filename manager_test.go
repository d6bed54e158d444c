package eventsourcing_test

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage/memory"
)

func routingRegistrations() []eventsourcing.Registration {
	return []eventsourcing.Registration{
		{
			ID:      "fallbackStore",
			Storage: memory.Backend,
			BoundedContexts: map[string]bool{
				"*":                true,
				"Bounded.Context1": true,
			},
		},
		{
			ID:      "eventStore2",
			Storage: memory.Backend,
			BoundedContexts: map[string]bool{
				"Bounded.Context2": true,
			},
		},
		{
			ID:      "eventStore3",
			Storage: memory.Backend,
			BoundedContexts: map[string]bool{
				"Bounded.Context3":     true,
				"Bounded.Context2.Sub": true,
				"Bounded.Context23":    true,
				"Inactive":             false,
			},
		},
	}
}

func newManager(t *testing.T, regs []eventsourcing.Registration) *eventsourcing.Manager {
	t.Helper()

	m, err := eventsourcing.NewManager(regs, eventsourcing.WithStorageFactory(memory.Backend, memory.Factory))
	require.NoError(t, err)

	return m
}

func TestStoreForStreamName(t *testing.T) {
	m := newManager(t, routingRegistrations())

	cases := []struct {
		stream string
		want   string
	}{
		{"", "fallbackStore"},
		{"Inactive", "fallbackStore"},
		{"Inactive:Foo", "fallbackStore"},
		{"NoMatch", "fallbackStore"},
		{"NoMatch:Foo", "fallbackStore"},
		{"Bounded.Context1:Foo", "fallbackStore"},
		{"Bounded.Context234:Foo", "fallbackStore"},
		{"Bounded.Context2", "eventStore2"},
		{"Bounded.Context2:Foo", "eventStore2"},
		{"Bounded.Context2.Other:Foo", "eventStore2"},
		{"Bounded.Context23", "eventStore3"},
		{"Bounded.Context23:Foo", "eventStore3"},
		{"Bounded.Context2.Sub", "eventStore3"},
		{"Bounded.Context2.Sub:Foo", "eventStore3"},
		{"Bounded.Context2.Sub.Deeper:Foo", "eventStore3"},
		{"Bounded.Context3:Xyz", "eventStore3"},
	}

	for _, tc := range cases {
		t.Run(tc.stream, func(t *testing.T) {
			es, err := m.StoreForStreamName(tc.stream)
			require.NoError(t, err)

			assert.Equal(t, tc.want, es.ID())
		})
	}
}

func TestResolvedStoresAreMemoized(t *testing.T) {
	m := newManager(t, routingRegistrations())

	a, err := m.StoreForStreamName("Bounded.Context3:Xyz")
	require.NoError(t, err)

	b, err := m.StoreForBoundedContext("Bounded.Context23")
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestStoresAreInstantiatedLazilyAndOnce(t *testing.T) {
	var calls atomic.Int32

	factory := func(options map[string]any) (eventsourcing.Storage, error) {
		calls.Add(1)

		return memory.Factory(options)
	}

	m, err := eventsourcing.NewManager(
		routingRegistrations(),
		eventsourcing.WithStorageFactory(memory.Backend, factory),
	)
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load())

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := m.StoreForStreamName("Bounded.Context2:Foo")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFailedInstantiationIsNotCached(t *testing.T) {
	var fail atomic.Bool

	fail.Store(true)

	boom := errors.New("connection refused")

	factory := func(options map[string]any) (eventsourcing.Storage, error) {
		if fail.Load() {
			return nil, boom
		}

		return memory.Factory(options)
	}

	m, err := eventsourcing.NewManager(
		routingRegistrations(),
		eventsourcing.WithStorageFactory(memory.Backend, factory),
	)
	require.NoError(t, err)

	_, err = m.Store("eventStore2")
	require.ErrorIs(t, err, boom)

	fail.Store(false)

	es, err := m.Store("eventStore2")
	require.NoError(t, err)
	assert.Equal(t, "eventStore2", es.ID())
}

func TestStoreForBoundedContext(t *testing.T) {
	m := newManager(t, routingRegistrations())

	cases := []struct {
		boundedContext string
		want           string
	}{
		{"", "fallbackStore"},
		{"NoMatch", "fallbackStore"},
		{"Inactive", "fallbackStore"},
		{"NoMatch:Foo", "fallbackStore"},
		{"Bounded.Context1", "fallbackStore"},
		{"Bounded.Context234", "fallbackStore"},
		{"Bounded.Context2", "eventStore2"},
		{"Bounded.Context23", "eventStore3"},
		{"Bounded.Context2.Sub", "eventStore3"},
		{"Bounded.Context3", "eventStore3"},
	}

	for _, tc := range cases {
		t.Run(tc.boundedContext, func(t *testing.T) {
			es, err := m.StoreForBoundedContext(tc.boundedContext)
			require.NoError(t, err)

			assert.Equal(t, tc.want, es.ID())
		})
	}
}

func TestStreamNameAndBoundedContextAgree(t *testing.T) {
	m := newManager(t, routingRegistrations())

	byStream, err := m.StoreForStreamName("Bounded.Context2:Foo")
	require.NoError(t, err)

	byContext, err := m.StoreForBoundedContext("Bounded.Context2")
	require.NoError(t, err)

	assert.Same(t, byContext, byStream)
}

func TestStoreForEventTypesTable(t *testing.T) {
	m := newManager(t, routingRegistrations())

	cases := []struct {
		eventTypes []string
		want       string
	}{
		{nil, "fallbackStore"},
		{[]string{"NoMatch"}, "fallbackStore"},
		{[]string{"Inactive"}, "fallbackStore"},
		{[]string{"NoMatch:Foo"}, "fallbackStore"},
		{[]string{"Bounded.Context1:Foo"}, "fallbackStore"},
		{[]string{"NoMatch", "Bounded.Context1:Foo"}, "fallbackStore"},
		{[]string{"Bounded.Context1:Foo", "NoMatch"}, "fallbackStore"},
		{[]string{"Bounded.Context234:Foo"}, "fallbackStore"},
		{[]string{"Bounded.Context2"}, "eventStore2"},
		{[]string{"Bounded.Context2:Foo"}, "eventStore2"},
		{[]string{"Bounded.Context23"}, "eventStore3"},
		{[]string{"Bounded.Context23:Foo"}, "eventStore3"},
		{[]string{"Bounded.Context2.Sub"}, "eventStore3"},
		{[]string{"Bounded.Context2.Sub:Foo"}, "eventStore3"},
		{[]string{"Bounded.Context3:Xyz"}, "eventStore3"},
	}

	for _, tc := range cases {
		t.Run(strings.Join(tc.eventTypes, ","), func(t *testing.T) {
			es, err := m.StoreForEventTypes(tc.eventTypes)
			require.NoError(t, err)

			assert.Equal(t, tc.want, es.ID())
		})
	}
}

func TestStoreForEventTypes(t *testing.T) {
	m := newManager(t, routingRegistrations())

	es, err := m.StoreForEventTypes(nil)
	require.NoError(t, err)
	assert.Equal(t, "fallbackStore", es.ID())

	_, err = m.StoreForEventTypes([]string{"Boundend.Context1:Foo", "Bounded.Context2:Bar"})
	require.Error(t, err)

	es, err = m.StoreForEventTypes([]string{"Bounded.Context3:Foo", "Bounded.Context23:Bar"})
	require.NoError(t, err)
	assert.Equal(t, "eventStore3", es.ID())

	_, err = m.StoreForEventTypes([]string{"Bounded.Context2:Foo", "Bounded.Context3:Bar"})

	var routingErr *eventsourcing.AmbiguousRoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, map[string]string{
		"Bounded.Context2:Foo": "eventStore2",
		"Bounded.Context3:Bar": "eventStore3",
	}, routingErr.Stores)
}

func TestNoFallbackStore(t *testing.T) {
	m := newManager(t, []eventsourcing.Registration{
		{
			ID:              "store",
			Storage:         memory.Backend,
			BoundedContexts: map[string]bool{"Acme": true},
		},
	})

	_, err := m.StoreForStreamName("Other:Foo")
	assert.True(t, eventsourcing.IsConfigurationError(err))

	_, err = m.StoreForEventTypes(nil)
	assert.True(t, eventsourcing.IsConfigurationError(err))

	es, err := m.StoreForStreamName("Acme.Sales:Order:1")
	require.NoError(t, err)
	assert.Equal(t, "store", es.ID())
}

func TestManagerConfigurationErrors(t *testing.T) {
	cases := []struct {
		name string
		regs []eventsourcing.Registration
	}{
		{
			name: "overlapping bounded contexts",
			regs: []eventsourcing.Registration{
				{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true, "Bounded:Context2": true}},
				{ID: "b", Storage: memory.Backend, BoundedContexts: map[string]bool{"Bounded:Context2": true}},
			},
		},
		{
			name: "two fallback stores",
			regs: []eventsourcing.Registration{
				{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true}},
				{ID: "b", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true}},
			},
		},
		{
			name: "missing storage",
			regs: []eventsourcing.Registration{
				{ID: "a", BoundedContexts: map[string]bool{"*": true}},
			},
		},
		{
			name: "unknown storage",
			regs: []eventsourcing.Registration{
				{ID: "a", Storage: "cassandra", BoundedContexts: map[string]bool{"*": true}},
			},
		},
		{
			name: "no bounded contexts",
			regs: []eventsourcing.Registration{
				{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{}},
			},
		},
		{
			name: "missing id",
			regs: []eventsourcing.Registration{
				{Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true}},
			},
		},
		{
			name: "duplicate id",
			regs: []eventsourcing.Registration{
				{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true}},
				{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{"Acme": true}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eventsourcing.NewManager(tc.regs, eventsourcing.WithStorageFactory(memory.Backend, memory.Factory))

			require.Error(t, err)
			assert.True(t, eventsourcing.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestOverlapErrorNamesBothStores(t *testing.T) {
	_, err := eventsourcing.NewManager(
		[]eventsourcing.Registration{
			{ID: "first", Storage: memory.Backend, BoundedContexts: map[string]bool{"Acme": true}},
			{ID: "second", Storage: memory.Backend, BoundedContexts: map[string]bool{"Acme": true}},
		},
		eventsourcing.WithStorageFactory(memory.Backend, memory.Factory),
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), `"first"`)
	assert.Contains(t, err.Error(), `"second"`)
	assert.Contains(t, err.Error(), `"Acme"`)
}

func TestInactivePatternsDoNotOverlap(t *testing.T) {
	m := newManager(t, []eventsourcing.Registration{
		{ID: "a", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true, "Acme": false}},
		{ID: "b", Storage: memory.Backend, BoundedContexts: map[string]bool{"Acme": true}},
	})

	es, err := m.StoreForBoundedContext("Acme")
	require.NoError(t, err)
	assert.Equal(t, "b", es.ID())
}

func TestAllStores(t *testing.T) {
	m := newManager(t, routingRegistrations())

	stores, err := m.AllStores()
	require.NoError(t, err)
	require.Len(t, stores, 3)

	assert.Equal(t, "fallbackStore", stores[0].ID())
	assert.Equal(t, "eventStore2", stores[1].ID())
	assert.Equal(t, "eventStore3", stores[2].ID())

	empty := newManager(t, nil)

	_, err = empty.AllStores()
	assert.True(t, eventsourcing.IsConfigurationError(err))
}

func TestUnknownStore(t *testing.T) {
	m := newManager(t, routingRegistrations())

	_, err := m.Store("nope")

	assert.True(t, eventsourcing.IsLookupError(err))
	assert.ErrorIs(t, err, eventsourcing.ErrNotFound)
}

type closingStorage struct {
	*memory.Storage

	err error
}

func (s *closingStorage) Close() error { return s.err }

func TestCloseReportsEveryFailure(t *testing.T) {
	var (
		errFallback = errors.New("fallback close failed")
		errStore2   = errors.New("store2 close failed")
	)

	closeErrs := map[string]error{
		"fallbackStore": errFallback,
		"eventStore2":   errStore2,
	}

	regs := routingRegistrations()
	for i := range regs {
		regs[i].StorageOptions = map[string]any{"store": regs[i].ID}
	}

	factory := func(options map[string]any) (eventsourcing.Storage, error) {
		id, _ := options["store"].(string)

		return &closingStorage{Storage: memory.New(), err: closeErrs[id]}, nil
	}

	m, err := eventsourcing.NewManager(regs, eventsourcing.WithStorageFactory(memory.Backend, factory))
	require.NoError(t, err)

	_, err = m.AllStores()
	require.NoError(t, err)

	err = m.Close()

	require.Error(t, err)
	assert.ErrorIs(t, err, errFallback)
	assert.ErrorIs(t, err, errStore2)
	assert.Contains(t, err.Error(), `"fallbackStore"`)
	assert.Contains(t, err.Error(), `"eventStore2"`)
	assert.NotContains(t, err.Error(), `"eventStore3"`)
}
