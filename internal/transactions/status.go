package transactions

import (
	"fmt"

	"github.com/example/walletrecon/internal/apperr"
)

// Status is the reconciliation state of a transaction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllowedTransitions defines valid status transitions.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusPending:   {StatusConfirmed, StatusFailed, StatusCancelled},
		StatusConfirmed: {},
		StatusFailed:    {},
		StatusCancelled: {},
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := AllowedTransitions()[s]
	return ok
}

// CanTransition checks if moving from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	TransactionID string
	From          Status
	To            Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s for transaction %s", e.From, e.To, e.TransactionID)
}

// CheckTransition returns an apperr.InvalidStateTransition error wrapping a
// *TransitionError when from -> to is not allowed.
func CheckTransition(id string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperr.E(apperr.InvalidStateTransition, "transactions.CheckTransition",
		&TransitionError{TransactionID: id, From: from, To: to})
}
