package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/pkg/audit"
)

func TestConfirmNotObservedStaysPending(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S1", a, b)

	got, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, got.Status)

	// Seen but below the configured commitment.
	f.ledger.setStatus("S1", &ledger.SignatureStatus{Signature: "S1", Observed: true, ConfirmationStatus: "processed"})
	got, err = f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, got.Status)
}

func TestConfirmFinalized(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S1", a, b)
	f.ledger.setStatus("S1", settled("S1", nil))

	got, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusConfirmed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.EqualValues(t, 4242, *got.BlockNumber)
	require.NotNil(t, got.BlockTime)
	assert.Equal(t, int64(1700000000), got.BlockTime.Unix())
	require.NotNil(t, got.Fee)
	assert.Equal(t, "0.000005000", got.Fee.StringFixed(9))
	assert.Equal(t, "finalized", got.Metadata["confirmation_status"])

	calls := f.ledger.count("GetSignatureStatus")
	again, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusConfirmed, again.Status)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, calls, f.ledger.count("GetSignatureStatus"))
}

func TestConfirmLedgerErrorFails(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S2", a, b)
	f.ledger.setStatus("S2", settled("S2", map[string]any{"InstructionError": []any{0, "Custom"}}))

	got, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusFailed, got.Status)
	assert.NotNil(t, got.Metadata["ledger_error"])

	calls := f.ledger.count("GetSignatureStatus")
	again, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.Equal(t, transactions.StatusFailed, again.Status)
	assert.Equal(t, calls, f.ledger.count("GetSignatureStatus"))
}

func TestConfirmLedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S3", a, b)
	f.ledger.statusErr = apperr.E(apperr.LedgerUnavailable, "ledger.getSignatureStatuses", fmt.Errorf("timeout"))

	got, err := f.engine.Confirm(context.Background(), tx.ID)
	assert.ErrorIs(t, err, apperr.ErrLedgerUnavailable)
	assert.True(t, apperr.Retryable(err))
	require.NotNil(t, got)
	assert.Equal(t, transactions.StatusPending, got.Status)

	stored, err := f.txs.FindByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, stored.Status)
}

func TestConfirmMissingTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Confirm(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrTransactionNotFound)
}

func TestConfirmConcurrentAppliesOnce(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S4", a, b)
	f.ledger.setStatus("S4", settled("S4", nil))

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan *transactions.Transaction, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.engine.Confirm(context.Background(), tx.ID)
			assert.NoError(t, err)
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	for got := range results {
		require.NotNil(t, got)
		assert.Equal(t, transactions.StatusConfirmed, got.Status)
	}

	settledEvents := 0
	for _, typ := range f.auditor.types() {
		if typ == audit.TransactionSettled {
			settledEvents++
		}
	}
	assert.Equal(t, 1, settledEvents)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S5", a, b)

	got, err := f.engine.Cancel(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCancelled, got.Status)
	assert.NotEmpty(t, got.Metadata["cancelled_at"])

	again, err := f.engine.Cancel(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCancelled, again.Status)

	// A cancelled record is terminal; Confirm leaves it alone.
	f.ledger.setStatus("S5", settled("S5", nil))
	calls := f.ledger.count("GetSignatureStatus")
	after, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCancelled, after.Status)
	assert.Equal(t, calls, f.ledger.count("GetSignatureStatus"))
}

func TestCancelConfirmedRejected(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S6", a, b)
	f.ledger.setStatus("S6", settled("S6", nil))
	_, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)

	_, err = f.engine.Cancel(context.Background(), tx.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	var te *transactions.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transactions.StatusConfirmed, te.From)
	assert.Equal(t, transactions.StatusCancelled, te.To)

	stored, err := f.txs.FindByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusConfirmed, stored.Status)
}

func TestConfirmPending(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	f.submit(t, "ok1", a, b)
	f.submit(t, "ok2", a, b)
	f.submit(t, "bad", a, b)
	f.submit(t, "wait", a, b)
	done := f.submit(t, "gone", a, b)
	_, err := f.engine.Cancel(context.Background(), done.ID)
	require.NoError(t, err)

	f.ledger.setStatus("ok1", settled("ok1", nil))
	f.ledger.setStatus("ok2", settled("ok2", nil))
	f.ledger.setStatus("bad", settled("bad", "InsufficientFunds"))

	res, err := f.engine.ConfirmPending(context.Background(), 10, 3)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Checked: 4, Confirmed: 2, Failed: 1, Pending: 1}, res)

	pending, err := f.txs.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wait", pending[0].Signature)
}

func TestConfirmPendingCountsLedgerErrors(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	f.submit(t, "x1", a, b)
	f.submit(t, "x2", a, b)
	f.ledger.statusErr = apperr.E(apperr.LedgerUnavailable, "ledger.getSignatureStatuses", fmt.Errorf("down"))

	res, err := f.engine.ConfirmPending(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Errors)
}

func TestConfirmPendingCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.ConfirmPending(ctx, 10, 2)
	assert.Error(t, err)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	tx := f.submit(t, "S7", a, b)
	f.ledger.setStatus("S7", settled("S7", nil))
	_, err := f.engine.Confirm(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteWallet(context.Background(), b.ID))

	assert.Equal(t, []audit.EventType{
		audit.WalletRegistered, audit.BalanceRefreshed,
		audit.WalletRegistered, audit.BalanceRefreshed,
		audit.TransferSubmitted,
		audit.TransactionSettled,
		audit.WalletDeleted,
	}, f.auditor.types())

	stored, err := f.txs.FindByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ToWalletID)
	assert.Equal(t, transactions.StatusConfirmed, stored.Status)
}

func TestSubmitTransferRetryReturnsExistingRecord(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	first := f.submit(t, "S1", a, b)

	// The node hands back the same signature for the same signed bytes.
	again := f.submit(t, "S1", a, b)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, transactions.StatusPending, again.Status)

	list, err := f.txs.ListByWallet(context.Background(), a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	submitted := 0
	for _, typ := range f.auditor.types() {
		if typ == audit.TransferSubmitted {
			submitted++
		}
	}
	assert.Equal(t, 1, submitted)
}

func TestSubmitTransferSignatureClaimedByOtherTransfer(t *testing.T) {
	f := newFixture(t)
	a, b := f.register(t, "U1", "AddrA"), f.register(t, "U2", "AddrB")
	first := f.submit(t, "S1", a, b)

	_, err := f.engine.SubmitTransfer(context.Background(), TransferInput{
		FromWalletID: a.ID,
		ToWalletID:   b.ID,
		Amount:       decimal.RequireFromString("2"),
		SignedTx:     []byte{9},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
	assert.ErrorContains(t, err, first.ID)

	stored, err := f.txs.FindBySignature(context.Background(), "S1")
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("1")))
}
