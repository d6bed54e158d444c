package account

import (
	"errors"

	"github.com/google/uuid"

	"github.com/aneshas/eventsourcing/aggregate"
)

// ErrInvalidAmount is returned for deposits which are not positive
var ErrInvalidAmount = errors.New("amount must be positive")

// ID represents an account ID
type ID string

// NewID generates a new account ID
func NewID() ID { return ID(uuid.Must(uuid.NewV7()).String()) }

// String implements fmt.Stringer
func (id ID) String() string { return string(id) }

// New creates new Account
func New(id ID, holder string) (*Account, error) {
	var acc Account

	acc.Rehydrate(&acc)

	acc.RecordThat(
		NewAccountOpened{
			AccountID: id.String(),
			Holder:    holder,
		},
	)

	return &acc, nil
}

// Account represents an account aggregate
type Account struct {
	aggregate.Root[ID]

	// notice how aggregate has no state until it is needed to make a decision

	Balance int
}

// Deposit money
func (a *Account) Deposit(amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	a.RecordThat(
		DepositMade{
			Amount: amount,
		},
	)

	return nil
}

// WhenNewAccountOpened handler
func (a *Account) WhenNewAccountOpened(evt NewAccountOpened) {
	a.SetID(ID(evt.AccountID))
}

// WhenDepositMade handler
func (a *Account) WhenDepositMade(evt DepositMade) {
	a.Balance += evt.Amount
}
