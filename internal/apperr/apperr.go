// Package apperr defines the closed set of error kinds returned by the wallet
// reconciliation core. Callers switch on KindOf(err) or match with errors.Is
// against the exported sentinels.
package apperr

import (
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	Internal Kind = iota
	Invalid
	InvalidAddress
	DuplicateWallet
	WalletNotFound
	TransactionNotFound
	BalanceRefreshFailed
	TokenBalanceQueryFailed
	LedgerUnavailable
	LedgerRejected
	InvalidStateTransition
)

var kindNames = map[Kind]string{
	Internal:                "internal_error",
	Invalid:                 "invalid_request",
	InvalidAddress:          "invalid_address",
	DuplicateWallet:         "duplicate_wallet",
	WalletNotFound:          "wallet_not_found",
	TransactionNotFound:     "transaction_not_found",
	BalanceRefreshFailed:    "balance_refresh_failed",
	TokenBalanceQueryFailed: "token_balance_query_failed",
	LedgerUnavailable:       "ledger_unavailable",
	LedgerRejected:          "ledger_rejected",
	InvalidStateTransition:  "invalid_state_transition",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error carries a Kind, the operation that produced it and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInternal                = &Error{Kind: Internal}
	ErrInvalid                 = &Error{Kind: Invalid}
	ErrInvalidAddress          = &Error{Kind: InvalidAddress}
	ErrDuplicateWallet         = &Error{Kind: DuplicateWallet}
	ErrWalletNotFound          = &Error{Kind: WalletNotFound}
	ErrTransactionNotFound     = &Error{Kind: TransactionNotFound}
	ErrBalanceRefreshFailed    = &Error{Kind: BalanceRefreshFailed}
	ErrTokenBalanceQueryFailed = &Error{Kind: TokenBalanceQueryFailed}
	ErrLedgerUnavailable       = &Error{Kind: LedgerUnavailable}
	ErrLedgerRejected          = &Error{Kind: LedgerRejected}
	ErrInvalidStateTransition  = &Error{Kind: InvalidStateTransition}
)

// E builds an *Error. A nil cause is allowed.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is shorthand for E with a plain message cause.
func Errorf(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// KindOf returns the outermost Kind in err's chain, or Internal when err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether err was caused by a transient ledger condition.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}
