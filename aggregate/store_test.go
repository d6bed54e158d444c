package aggregate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/aggregate"
	"github.com/aneshas/eventsourcing/storage/memory"
)

type AccountID string

func (id AccountID) String() string { return string(id) }

type AccountOpened struct {
	AccountID string
	Owner     string
}

type MoneyDeposited struct {
	Amount int
}

type account struct {
	aggregate.Root[AccountID]

	owner   string
	balance int
}

func (a *account) WhenAccountOpened(e AccountOpened) {
	a.SetID(AccountID(e.AccountID))
	a.owner = e.Owner
}

func (a *account) WhenMoneyDeposited(e MoneyDeposited) {
	a.balance += e.Amount
}

func (a *account) deposit(amount int) {
	a.RecordThat(MoneyDeposited{Amount: amount})
}

func openAccount(id, owner string) *account {
	var a account

	a.Rehydrate(&a)
	a.RecordThat(AccountOpened{AccountID: id, Owner: owner})

	return &a
}

func newStore(t *testing.T) (*aggregate.Store[*account], *eventsourcing.Manager) {
	t.Helper()

	enc := eventsourcing.NewJSONEncoder().MustRegister("Bank", AccountOpened{}, MoneyDeposited{})

	manager, err := eventsourcing.NewManager(
		[]eventsourcing.Registration{
			{ID: "bank", Storage: memory.Backend, BoundedContexts: map[string]bool{"Bank": true}},
			{ID: "default", Storage: memory.Backend, BoundedContexts: map[string]bool{"*": true}},
		},
		eventsourcing.WithStorageFactory(memory.Backend, memory.Factory),
	)
	require.NoError(t, err)

	return aggregate.NewStore[*account]("Bank", "Account", manager, enc), manager
}

func TestShould_Save_Aggregate_Events(t *testing.T) {
	store, manager := newStore(t)

	meta := map[string]string{
		"foo": "bar",
	}

	ctx := aggregate.CtxWithMeta(context.Background(), meta)
	ctx = aggregate.CtxWithCausationID(ctx, "some-causation-event-id")
	ctx = aggregate.CtxWithCorrelationID(ctx, "some-correlation-event-id")

	a := openAccount("acc-1", "john")
	a.deposit(10)

	committed, err := store.Save(ctx, a)
	require.NoError(t, err)
	require.Len(t, committed, 2)

	assert.Equal(t, "Bank:Account:acc-1", committed[0].StreamName)
	assert.Equal(t, "Bank:AccountOpened", committed[0].Type)
	assert.Equal(t, "Bank:MoneyDeposited", committed[1].Type)
	assert.Equal(t, int64(1), committed[1].Version)

	assert.Equal(t, eventsourcing.Metadata{
		"foo":                           "bar",
		eventsourcing.MetaCausationID:   "some-causation-event-id",
		eventsourcing.MetaCorrelationID: "some-correlation-event-id",
	}, committed[0].Metadata)

	assert.Equal(t, int64(2), a.Version())
	assert.Empty(t, a.UncommittedEvents())

	bank, err := manager.Store("bank")
	require.NoError(t, err)

	_, err = bank.GetOne(context.Background(), eventsourcing.StreamNameFilter("Bank:Account:acc-1"))
	assert.NoError(t, err)

	fallback, err := manager.Store("default")
	require.NoError(t, err)

	_, err = fallback.GetOne(context.Background(), eventsourcing.NewStreamFilter())
	assert.ErrorIs(t, err, eventsourcing.ErrEventNotFound)
}

func TestShould_Not_Commit_Without_Events(t *testing.T) {
	store, _ := newStore(t)

	var a account

	a.Rehydrate(&a)

	committed, err := store.Save(context.Background(), &a)

	assert.NoError(t, err)
	assert.Empty(t, committed)
}

func TestShould_Return_AggregateNotFound_Error_If_No_Events(t *testing.T) {
	store, _ := newStore(t)

	var a account

	err := store.ByID(context.Background(), "acc-404", &a)

	assert.ErrorIs(t, err, aggregate.ErrAggregateNotFound)
}

func TestShould_Rehydrate_Aggregate(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	a := openAccount("acc-1", "john")
	a.deposit(10)
	a.deposit(5)

	_, err := store.Save(ctx, a)
	require.NoError(t, err)

	var loaded account

	err = store.ByID(ctx, "acc-1", &loaded)
	require.NoError(t, err)

	assert.Equal(t, AccountID("acc-1"), loaded.ID())
	assert.Equal(t, "john", loaded.owner)
	assert.Equal(t, 15, loaded.balance)
	assert.Equal(t, int64(3), loaded.Version())
	assert.Empty(t, loaded.UncommittedEvents())
}

func TestShould_Detect_Concurrent_Modification(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, openAccount("acc-1", "john"))
	require.NoError(t, err)

	var first, second account

	require.NoError(t, store.ByID(ctx, "acc-1", &first))
	require.NoError(t, store.ByID(ctx, "acc-1", &second))

	first.deposit(1)
	second.deposit(2)

	_, err = store.Save(ctx, &first)
	require.NoError(t, err)

	_, err = store.Save(ctx, &second)
	assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

	_, err = store.Save(ctx, openAccount("acc-1", "jane"))
	assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
}

func TestShould_Keep_Uncommitted_Events_If_Save_Fails(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, openAccount("acc-1", "john"))
	require.NoError(t, err)

	var first, second account

	require.NoError(t, store.ByID(ctx, "acc-1", &first))
	require.NoError(t, store.ByID(ctx, "acc-1", &second))

	first.deposit(1)
	second.deposit(2)

	_, err = store.Save(ctx, &first)
	require.NoError(t, err)

	_, err = store.Save(ctx, &second)
	require.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

	assert.Equal(t, int64(1), second.Version())
	assert.Equal(t, []any{MoneyDeposited{Amount: 2}}, second.UncommittedEvents())

	var reloaded account

	require.NoError(t, store.ByID(ctx, "acc-1", &reloaded))
	assert.Equal(t, 1, reloaded.balance)
}
