package account

// BoundedContext the account events are registered in
const BoundedContext = "Bank.Accounts"

// NewAccountOpened domain event indicates that new
// account has been opened
type NewAccountOpened struct {
	AccountID string
	Holder    string
}

// DepositMade domain event indicates that deposit has been made
type DepositMade struct {
	Amount int
}

// Events lists the account events for registration with an encoder
func Events() []any {
	return []any{
		NewAccountOpened{},
		DepositMade{},
	}
}
