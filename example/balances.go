package example

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/example/account"
)

// Balance is the read model of a single account
type Balance struct {
	AccountID string `json:"account_id"`
	Holder    string `json:"holder"`
	Amount    int    `json:"amount"`
	Deposits  int    `json:"deposits"`
}

// NewBalances constructs an empty balances projection
func NewBalances() *Balances {
	return &Balances{
		accounts: map[string]*Balance{},
	}
}

// Balances is an in-memory projection of account balances
// it might as well be any kind of database, disk, memory etc...
type Balances struct {
	mu       sync.RWMutex
	accounts map[string]*Balance
}

// ListenerID identifies the projection in listener presets
func (b *Balances) ListenerID() string { return account.BoundedContext + ":Balances" }

// WhenNewAccountOpened handler
func (b *Balances) WhenNewAccountOpened(evt account.NewAccountOpened) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accounts[evt.AccountID] = &Balance{
		AccountID: evt.AccountID,
		Holder:    evt.Holder,
	}
}

// WhenDepositMade handler
func (b *Balances) WhenDepositMade(_ context.Context, evt account.DepositMade, raw eventsourcing.RawEvent) {
	id := raw.StreamName[strings.LastIndex(raw.StreamName, ":")+1:]

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.accounts[id]
	if !ok {
		bal = &Balance{AccountID: id}
		b.accounts[id] = bal
	}

	bal.Amount += evt.Amount
	bal.Deposits++
}

// Reset drops all balances
func (b *Balances) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.accounts)

	return nil
}

// IsEmpty reports whether no account is known
func (b *Balances) IsEmpty(context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.accounts) == 0, nil
}

// Get returns the balance of an account
func (b *Balances) Get(accountID string) (Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bal, ok := b.accounts[accountID]
	if !ok {
		return Balance{}, false
	}

	return *bal, true
}

// All returns every balance ordered by account id
func (b *Balances) All() []Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Balance, 0, len(b.accounts))
	for _, bal := range b.accounts {
		out = append(out, *bal)
	}

	slices.SortFunc(out, func(x, y Balance) int {
		return strings.Compare(x.AccountID, y.AccountID)
	})

	return out
}
