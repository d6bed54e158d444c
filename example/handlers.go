package example

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/aggregate"
	"github.com/aneshas/eventsourcing/example/account"
)

type openAccountRequest struct {
	Holder string `json:"holder"`
}

type depositRequest struct {
	Amount int `json:"amount"`
}

// NewOpenAccountHandlerFunc creates new account opening endpoint example
func NewOpenAccountHandlerFunc(store *aggregate.Store[*account.Account]) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req openAccountRequest

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Holder == "" {
			http.Error(rw, "holder is required", http.StatusBadRequest)

			return
		}

		acc, err := account.New(account.NewID(), req.Holder)
		if err != nil {
			writeError(rw, err)

			return
		}

		if _, err := store.Save(r.Context(), acc); err != nil {
			writeError(rw, err)

			return
		}

		writeJSON(rw, http.StatusCreated, map[string]string{"account_id": acc.StringID()})
	}
}

// NewDepositHandlerFunc creates the deposit endpoint, it expects the account
// id as the {id} path value
func NewDepositHandlerFunc(store *aggregate.Store[*account.Account]) http.HandlerFunc {
	exec := aggregate.NewExecutor(store)

	return func(rw http.ResponseWriter, r *http.Request) {
		var req depositRequest

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "invalid request", http.StatusBadRequest)

			return
		}

		var acc account.Account

		err := exec(r.Context(), r.PathValue("id"), &acc, func(context.Context) error {
			return acc.Deposit(req.Amount)
		})
		if err != nil {
			writeError(rw, err)

			return
		}

		writeJSON(rw, http.StatusOK, map[string]int{"balance": acc.Balance})
	}
}

// NewBalancesHandlerFunc lists the projected balances
func NewBalancesHandlerFunc(balances *Balances) http.HandlerFunc {
	return func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, balances.All())
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregate.ErrAggregateNotFound):
		http.Error(rw, err.Error(), http.StatusNotFound)
	case errors.Is(err, account.ErrInvalidAmount):
		http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		http.Error(rw, err.Error(), http.StatusConflict)
	default:
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}
