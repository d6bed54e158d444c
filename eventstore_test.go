package eventsourcing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage/memory"
	"github.com/aneshas/eventsourcing/storage/storagetest"
)

type SomeEvent struct {
	UserID string
}

func eventStore() *eventsourcing.EventStore {
	return eventsourcing.NewEventStore("default", memory.New(memory.WithBatchSize(2)))
}

func TestShouldReadCommittedEvents(t *testing.T) {
	es := eventStore()
	ctx := context.Background()

	committed, err := es.Commit(ctx, "Acme:User:1", storagetest.Events("Acme:UserRegistered", 3), eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)
	require.Len(t, committed, 3)

	stream, err := es.Get(ctx, eventsourcing.StreamNameFilter("Acme:User:1"))
	require.NoError(t, err)

	got, err := stream.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, committed, got)
}

func TestGetUnknownStream(t *testing.T) {
	_, err := eventStore().Get(context.Background(), eventsourcing.StreamNameFilter("Acme:User:1"))

	assert.ErrorIs(t, err, eventsourcing.ErrStreamNotFound)
	assert.True(t, eventsourcing.IsLookupError(err))
}

func TestGetWithoutStreamNameNeverFails(t *testing.T) {
	stream, err := eventStore().Get(context.Background(), eventsourcing.EventTypesFilter("Acme:UserRegistered"))
	require.NoError(t, err)

	assert.False(t, stream.Next(context.Background()))
	assert.NoError(t, stream.Err())
}

func TestGetDoesNotConsumeTheFirstEvent(t *testing.T) {
	es := eventStore()
	ctx := context.Background()

	_, err := es.Commit(ctx, "Acme:User:1", storagetest.Events("Acme:UserRegistered", 5), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	stream, err := es.Get(ctx, eventsourcing.StreamNameFilter("Acme:User:1"))
	require.NoError(t, err)

	require.True(t, stream.Next(ctx))
	assert.Equal(t, int64(0), stream.Event().Version)
}

func TestGetOne(t *testing.T) {
	es := eventStore()
	ctx := context.Background()

	_, err := es.GetOne(ctx, eventsourcing.StreamNameFilter("Acme:User:1"))
	assert.ErrorIs(t, err, eventsourcing.ErrEventNotFound)

	committed, err := es.Commit(ctx, "Acme:User:1", storagetest.Events("Acme:UserRegistered", 2), eventsourcing.ExpectedVersionAny)
	require.NoError(t, err)

	evt, err := es.GetOne(ctx, eventsourcing.NewStreamFilter(
		eventsourcing.WithStreamName("Acme:User:1"),
		eventsourcing.WithMinimumSequenceNumber(committed[1].SequenceNumber),
	))
	require.NoError(t, err)
	assert.Equal(t, committed[1], evt)
}

func TestOptimisticConcurrencyCheckIsPerformed(t *testing.T) {
	es := eventStore()
	ctx := context.Background()
	stream := "Acme:User:1"

	_, err := es.Commit(ctx, stream, storagetest.Events("Acme:UserRegistered", 3), eventsourcing.ExpectedVersionNoStream)
	require.NoError(t, err)

	_, err = es.Commit(ctx, stream, storagetest.Events("Acme:UserRenamed", 1), eventsourcing.ExpectedVersion(1))
	require.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

	concurrencyErr, ok := eventsourcing.AsConcurrencyError(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), concurrencyErr.Actual)

	_, err = es.Commit(ctx, stream, storagetest.Events("Acme:UserRenamed", 1), eventsourcing.ExpectedVersion(2))
	require.NoError(t, err)
}

func TestCommitValidation(t *testing.T) {
	es := eventStore()

	cases := []struct {
		stream   string
		expected eventsourcing.ExpectedVersion
		evts     []eventsourcing.WritableEvent
	}{
		{stream: "", expected: eventsourcing.ExpectedVersionAny, evts: storagetest.Events("Acme:E", 1)},
		{stream: "s", expected: eventsourcing.ExpectedVersion(-3), evts: storagetest.Events("Acme:E", 1)},
		{stream: "s", expected: eventsourcing.ExpectedVersionAny, evts: nil},
		{stream: "s", expected: eventsourcing.ExpectedVersionAny, evts: []eventsourcing.WritableEvent{}},
		{stream: "s", expected: eventsourcing.ExpectedVersionAny, evts: []eventsourcing.WritableEvent{{Payload: []byte("{}")}}},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			_, err := es.Commit(context.Background(), tc.stream, tc.evts, tc.expected)
			assert.Error(t, err)
		})
	}
}

func TestExpectedVersionString(t *testing.T) {
	assert.Equal(t, "any", eventsourcing.ExpectedVersionAny.String())
	assert.Equal(t, "no stream", eventsourcing.ExpectedVersionNoStream.String())
	assert.Equal(t, "4", eventsourcing.ExpectedVersion(4).String())
}

func TestFilterMatches(t *testing.T) {
	evt := eventsourcing.RawEvent{SequenceNumber: 5, Type: "Acme:B", StreamName: "Acme:X:1"}

	assert.True(t, eventsourcing.NewStreamFilter().Matches(evt))
	assert.True(t, eventsourcing.EventTypesFilter("Acme:C", "Acme:B", "Acme:A").Matches(evt))
	assert.False(t, eventsourcing.EventTypesFilter("Acme:C").Matches(evt))
	assert.False(t, eventsourcing.StreamNameFilter("Acme:X:2").Matches(evt))
	assert.True(t, eventsourcing.NewStreamFilter(eventsourcing.WithMinimumSequenceNumber(5)).Matches(evt))
	assert.False(t, eventsourcing.NewStreamFilter(eventsourcing.WithMinimumSequenceNumber(6)).Matches(evt))

	f := eventsourcing.EventTypesFilter("Acme:B", "Acme:A", "Acme:B")
	assert.Equal(t, []string{"Acme:A", "Acme:B"}, f.EventTypes())

	g := f.With(eventsourcing.WithMinimumSequenceNumber(9))
	assert.Equal(t, uint64(0), f.MinimumSequenceNumber())
	assert.Equal(t, "types=Acme:A,Acme:B from=9", g.String())
	assert.Equal(t, "all", eventsourcing.NewStreamFilter().String())
}
