package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	cause := E(LedgerUnavailable, "ledger.GetBalance", errors.New("http status 503"))
	err := E(BalanceRefreshFailed, "reconcile.RefreshBalance", cause)

	assert.True(t, errors.Is(err, ErrBalanceRefreshFailed))
	assert.True(t, errors.Is(err, ErrLedgerUnavailable))
	assert.False(t, errors.Is(err, ErrLedgerRejected))
	assert.Equal(t, BalanceRefreshFailed, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, WalletNotFound, KindOf(fmt.Errorf("lookup: %w", ErrWalletNotFound)))
}

func TestErrorString(t *testing.T) {
	err := Errorf(InvalidAddress, "reconcile.RegisterWallet", "not base58")
	assert.Equal(t, "reconcile.RegisterWallet: invalid_address: not base58", err.Error())
	assert.Equal(t, "duplicate_wallet", ErrDuplicateWallet.Error())
}

func TestSentinelDoesNotMatchOtherKinds(t *testing.T) {
	assert.False(t, errors.Is(ErrWalletNotFound, ErrTransactionNotFound))
	assert.False(t, Retryable(E(LedgerRejected, "", nil)))
}
