// Package storagetest provides a behavioural test suite every storage backend
// must pass
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourcing"
)

// Factory returns a fresh, set up storage for a single test
type Factory func(t *testing.T) eventsourcing.Storage

// Run runs the storage conformance suite
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s eventsourcing.Storage)
	}{
		{"commit assigns sequence numbers and versions", testCommitAssigns},
		{"commit checks expected version", testCommitChecksVersion},
		{"commit any version", testCommitAnyVersion},
		{"commit rejects duplicate identifiers", testCommitDuplicateIdentifier},
		{"load filters", testLoadFilters},
		{"load pages through batches", testLoadBatches},
		{"load one", testLoadOne},
		{"concurrent commits to one stream", testConcurrentCommits},
		{"status", testStatus},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStorage(t))
		})
	}
}

// Events builds n writable events of the given type
func Events(eventType string, n int) []eventsourcing.WritableEvent {
	evts := make([]eventsourcing.WritableEvent, n)

	for i := range evts {
		payload, _ := json.Marshal(map[string]int{"n": i})

		evts[i] = eventsourcing.WritableEvent{
			Type:    eventType,
			Payload: payload,
			Metadata: eventsourcing.Metadata{
				eventsourcing.MetaCorrelationID: fmt.Sprintf("corr-%d", i),
			},
		}
	}

	return evts
}

func testCommitAssigns(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	first, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderPlaced", 2), eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.Commit(ctx, "Acme:Order:2", Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)

	third, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderShipped", 1), eventsourcing.ExpectedVersion(1))
	require.NoError(t, err)

	assert.Equal(t, int64(0), first[0].Version)
	assert.Equal(t, int64(1), first[1].Version)
	assert.Equal(t, int64(0), second[0].Version)
	assert.Equal(t, int64(2), third[0].Version)

	assert.Less(t, first[0].SequenceNumber, first[1].SequenceNumber)
	assert.Less(t, first[1].SequenceNumber, second[0].SequenceNumber)
	assert.Less(t, second[0].SequenceNumber, third[0].SequenceNumber)
	assert.GreaterOrEqual(t, first[0].SequenceNumber, uint64(1))

	assert.NotEmpty(t, first[0].Identifier)
	assert.NotEqual(t, first[0].Identifier, first[1].Identifier)
	assert.Equal(t, "Acme:Order:1", first[0].StreamName)
	assert.Equal(t, "corr-1", first[1].Metadata.CorrelationID())
	assert.False(t, first[0].RecordedAt.IsZero())
}

func testCommitChecksVersion(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()
	stream := "Acme:Order:1"

	_, err := s.Commit(ctx, stream, Events("Acme:OrderPlaced", 3), eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)

	_, err = s.Commit(ctx, stream, Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersionNoStream)
	require.True(t, eventsourcing.IsConcurrencyError(err), "got %v", err)

	_, err = s.Commit(ctx, stream, Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersion(1))
	require.True(t, eventsourcing.IsConcurrencyError(err), "got %v", err)

	concurrencyErr, ok := eventsourcing.AsConcurrencyError(err)
	if ok {
		assert.Equal(t, stream, concurrencyErr.StreamName)
		assert.Equal(t, eventsourcing.ExpectedVersion(1), concurrencyErr.Expected)
	}

	_, err = s.Commit(ctx, "Acme:Order:2", Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersion(0))
	require.True(t, eventsourcing.IsConcurrencyError(err), "got %v", err)

	evts := load(t, s, eventsourcing.StreamNameFilter(stream))
	assert.Len(t, evts, 3, "failed commits must leave the stream unchanged")

	evts = load(t, s, eventsourcing.StreamNameFilter("Acme:Order:2"))
	assert.Empty(t, evts)

	committed, err := s.Commit(ctx, stream, Events("Acme:OrderShipped", 1), eventsourcing.ExpectedVersion(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), committed[0].Version)
}

func testCommitAnyVersion(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		committed, err := s.Commit(ctx, "Acme:Log", Events("Acme:Logged", 1), eventsourcing.ExpectedVersionAny)
		require.NoError(t, err)
		assert.Equal(t, int64(i), committed[0].Version)
	}
}

func testCommitDuplicateIdentifier(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	evts := Events("Acme:OrderPlaced", 1)
	evts[0].Identifier = "same-id"

	_, err := s.Commit(ctx, "Acme:Order:1", evts, eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "Acme:Order:2", evts, eventsourcing.ExpectedVersionNoStream)

	var dupErr *eventsourcing.DuplicateEventError
	require.ErrorAs(t, err, &dupErr)
	assert.ErrorIs(t, err, eventsourcing.ErrDuplicateEvent)
	assert.False(t, eventsourcing.IsConcurrencyError(err))
	assert.Equal(t, "Acme:Order:2", dupErr.StreamName)

	twice := Events("Acme:OrderPlaced", 2)
	twice[0].Identifier = "other-id"
	twice[1].Identifier = "other-id"

	_, err = s.Commit(ctx, "Acme:Order:3", twice, eventsourcing.ExpectedVersionNoStream)
	assert.ErrorIs(t, err, eventsourcing.ErrDuplicateEvent)
	assert.False(t, eventsourcing.IsConcurrencyError(err))

	assert.Empty(t, load(t, s, eventsourcing.StreamNameFilter("Acme:Order:2")))
	assert.Empty(t, load(t, s, eventsourcing.StreamNameFilter("Acme:Order:3")))

	_, err = s.Commit(ctx, "Acme:Order:2", Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersionNoStream)
	assert.NoError(t, err)
}

func testLoadFilters(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	_, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderPlaced", 2), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "Acme:Order:2", Events("Acme:OrderShipped", 2), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderShipped", 1), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	all := load(t, s, eventsourcing.NewStreamFilter())
	require.Len(t, all, 5)

	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].SequenceNumber, all[i].SequenceNumber)
	}

	assert.Len(t, load(t, s, eventsourcing.StreamNameFilter("Acme:Order:1")), 3)
	assert.Len(t, load(t, s, eventsourcing.EventTypesFilter("Acme:OrderShipped")), 3)
	assert.Len(t, load(t, s, eventsourcing.EventTypesFilter("Acme:OrderShipped", "Acme:OrderPlaced")), 5)
	assert.Empty(t, load(t, s, eventsourcing.StreamNameFilter("Acme:Order:3")))

	from := load(t, s, eventsourcing.NewStreamFilter(
		eventsourcing.WithMinimumSequenceNumber(all[2].SequenceNumber),
	))
	require.Len(t, from, 3)
	assert.Equal(t, all[2].SequenceNumber, from[0].SequenceNumber)

	combined := load(t, s, eventsourcing.NewStreamFilter(
		eventsourcing.WithStreamName("Acme:Order:1"),
		eventsourcing.WithEventTypes("Acme:OrderShipped"),
	))
	require.Len(t, combined, 1)
	assert.Equal(t, int64(2), combined[0].Version)
}

func testLoadBatches(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := s.Commit(ctx, fmt.Sprintf("Acme:Order:%d", i%3), Events("Acme:OrderPlaced", 10), eventsourcing.ExpectedVersionAny)
		require.NoError(t, err)
	}

	evts := load(t, s, eventsourcing.EventTypesFilter("Acme:OrderPlaced"))
	require.Len(t, evts, 250)

	seen := map[uint64]bool{}

	for _, evt := range evts {
		assert.False(t, seen[evt.SequenceNumber], "duplicate event %d", evt.SequenceNumber)
		seen[evt.SequenceNumber] = true
	}
}

func testLoadOne(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	_, err := s.LoadOne(ctx, eventsourcing.StreamNameFilter("Acme:Order:1"))
	require.True(t, errors.Is(err, eventsourcing.ErrEventNotFound), "got %v", err)

	committed, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderPlaced", 2), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	evt, err := s.LoadOne(ctx, eventsourcing.StreamNameFilter("Acme:Order:1"))
	require.NoError(t, err)
	assert.Equal(t, committed[0].Identifier, evt.Identifier)
	assert.JSONEq(t, string(committed[0].Payload), string(evt.Payload))
}

func testConcurrentCommits(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersionNoStream)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case eventsourcing.IsConcurrencyError(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)
	assert.Len(t, load(t, s, eventsourcing.StreamNameFilter("Acme:Order:1")), 1)
}

func testStatus(t *testing.T, s eventsourcing.Storage) {
	ctx := context.Background()

	_, err := s.Commit(ctx, "Acme:Order:1", Events("Acme:OrderPlaced", 3), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, uint64(3), status.Events)
	assert.NotEmpty(t, status.Backend)
}

func load(t *testing.T, s eventsourcing.Storage, filter eventsourcing.StreamFilter) []eventsourcing.RawEvent {
	t.Helper()

	stream, err := s.Load(context.Background(), filter)
	require.NoError(t, err)

	evts, err := stream.Collect(context.Background())
	require.NoError(t, err)

	return evts
}
