package query

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/store/sqlite"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
)

type stubLedger struct {
	balance    decimal.Decimal
	balanceErr error
	history    []ledger.HistoryEntry
	historyErr error
	entryErr   error
}

func (s *stubLedger) ValidateAddress(string) bool { return true }

func (s *stubLedger) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedger) GetTokenBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubLedger) GetTransactionHistory(_ context.Context, _ string, limit int) (iter.Seq2[ledger.HistoryEntry, error], error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	entries := s.history
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return func(yield func(ledger.HistoryEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
		if s.entryErr != nil {
			yield(ledger.HistoryEntry{}, s.entryErr)
		}
	}, nil
}

func (s *stubLedger) Submit(context.Context, []byte) (string, error) { return "", nil }

func (s *stubLedger) GetSignatureStatus(context.Context, string) (*ledger.SignatureStatus, error) {
	return &ledger.SignatureStatus{}, nil
}

func (s *stubLedger) GetLatestBlockhash(context.Context) (*ledger.Blockhash, error) {
	return &ledger.Blockhash{}, nil
}

func (s *stubLedger) Simulate(context.Context, []byte) (*ledger.SimulationResult, error) {
	return &ledger.SimulationResult{}, nil
}

type env struct {
	facade  *Facade
	ledger  *stubLedger
	wallets wallets.Store
	txs     transactions.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	e := &env{
		ledger:  &stubLedger{},
		wallets: sqlite.NewWalletStore(db),
		txs:     sqlite.NewTransactionStore(db),
	}
	e.facade = New(e.ledger, e.wallets, e.txs, nil)
	return e
}

func (e *env) wallet(t *testing.T, address string, balance string) *wallets.Wallet {
	t.Helper()
	w := &wallets.Wallet{
		Address:  address,
		Type:     wallets.TypeSolana,
		IsActive: true,
		Balance:  decimal.RequireFromString(balance),
		UserID:   "U1",
	}
	require.NoError(t, e.wallets.Create(context.Background(), w))
	return w
}

func (e *env) record(t *testing.T, sig string, from, to *wallets.Wallet) *transactions.Transaction {
	t.Helper()
	tx := &transactions.Transaction{
		Signature:    sig,
		Type:         transactions.TypeTransfer,
		Status:       transactions.StatusPending,
		Amount:       decimal.NewFromInt(1),
		FromWalletID: from.ID,
		ToWalletID:   to.ID,
	}
	require.NoError(t, e.txs.Create(context.Background(), tx))
	return tx
}

func TestWalletSnapshotCached(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "AddrA", "2.5")
	e.ledger.balance = decimal.NewFromInt(99)

	snap, err := e.facade.WalletSnapshot(context.Background(), w.ID, false)
	require.NoError(t, err)
	assert.False(t, snap.Fresh)
	assert.Equal(t, "2.500000000", snap.Balance.StringFixed(9))
	assert.Equal(t, w.ID, snap.Wallet.ID)
}

func TestWalletSnapshotFreshDoesNotPersist(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "AddrA", "2.5")
	e.ledger.balance = decimal.RequireFromString("3.25")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.facade.now = func() time.Time { return now }

	snap, err := e.facade.WalletSnapshot(context.Background(), w.ID, true)
	require.NoError(t, err)
	assert.True(t, snap.Fresh)
	assert.Equal(t, "3.250000000", snap.Balance.StringFixed(9))
	assert.Equal(t, now, snap.AsOf)

	stored, err := e.wallets.FindByID(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.500000000", stored.Balance.StringFixed(9))
}

func TestWalletSnapshotDegradesToCached(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "AddrA", "2.5")
	e.ledger.balanceErr = apperr.E(apperr.LedgerUnavailable, "ledger.getBalance", errors.New("timeout"))

	snap, err := e.facade.WalletSnapshot(context.Background(), w.ID, true)
	require.NoError(t, err)
	assert.False(t, snap.Fresh)
	assert.Equal(t, "2.500000000", snap.Balance.StringFixed(9))
	assert.ErrorIs(t, snap.RefreshErr, apperr.ErrBalanceRefreshFailed)
	assert.ErrorIs(t, snap.RefreshErr, apperr.ErrLedgerUnavailable)
	assert.NotEmpty(t, snap.RefreshError)
}

func TestWalletSnapshotMissing(t *testing.T) {
	e := newEnv(t)
	_, err := e.facade.WalletSnapshot(context.Background(), "missing", true)
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
}

func TestTransactionHistoryLocalOnly(t *testing.T) {
	e := newEnv(t)
	a, b := e.wallet(t, "AddrA", "0"), e.wallet(t, "AddrB", "0")
	e.record(t, "S1", a, b)
	e.record(t, "S2", b, a)
	e.ledger.historyErr = errors.New("must not be called")

	h, err := e.facade.TransactionHistory(context.Background(), a.ID, HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, h.Records, 2)
	assert.False(t, h.CrossCheck)
	assert.Empty(t, h.Untracked)
	assert.NoError(t, h.LedgerErr)
}

func TestTransactionHistoryCrossCheck(t *testing.T) {
	e := newEnv(t)
	a, b := e.wallet(t, "AddrA", "0"), e.wallet(t, "AddrB", "0")
	old := e.record(t, "S-old", a, b)
	e.record(t, "S1", a, b)
	e.ledger.history = []ledger.HistoryEntry{
		{Signature: "S1", Slot: 3},
		{Signature: "S-ext", Slot: 2},
		{Signature: old.Signature, Slot: 1},
	}

	// A window of one hides S-old locally, but it is still known.
	h, err := e.facade.TransactionHistory(context.Background(), a.ID, HistoryOptions{Limit: 1, CrossCheck: true})
	require.NoError(t, err)
	require.Len(t, h.Records, 1)
	assert.Equal(t, "S1", h.Records[0].Signature)
	require.Len(t, h.Untracked, 1)
	assert.Equal(t, "S-ext", h.Untracked[0].Signature)

	h, err = e.facade.TransactionHistory(context.Background(), a.ID, HistoryOptions{Limit: 10, CrossCheck: true})
	require.NoError(t, err)
	assert.Len(t, h.Records, 2)
	require.Len(t, h.Untracked, 1)
	assert.Equal(t, "S-ext", h.Untracked[0].Signature)
}

func TestTransactionHistoryLedgerFailureIsReported(t *testing.T) {
	e := newEnv(t)
	a, b := e.wallet(t, "AddrA", "0"), e.wallet(t, "AddrB", "0")
	e.record(t, "S1", a, b)
	e.ledger.historyErr = apperr.E(apperr.LedgerUnavailable, "ledger.getSignaturesForAddress", errors.New("503"))

	h, err := e.facade.TransactionHistory(context.Background(), a.ID, HistoryOptions{CrossCheck: true})
	require.NoError(t, err)
	assert.Len(t, h.Records, 1)
	assert.ErrorIs(t, h.LedgerErr, apperr.ErrLedgerUnavailable)
	assert.NotEmpty(t, h.LedgerError)
	assert.Empty(t, h.Untracked)
}

func TestTransactionHistoryEmptyWallet(t *testing.T) {
	e := newEnv(t)
	a := e.wallet(t, "AddrA", "0")

	h, err := e.facade.TransactionHistory(context.Background(), a.ID, HistoryOptions{})
	require.NoError(t, err)
	assert.NotNil(t, h.Records)
	assert.Empty(t, h.Records)

	_, err = e.facade.TransactionHistory(context.Background(), "missing", HistoryOptions{})
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
}

func TestLedgerHistory(t *testing.T) {
	e := newEnv(t)
	a := e.wallet(t, "AddrA", "0")
	e.ledger.history = []ledger.HistoryEntry{{Signature: "S1"}, {Signature: "S2"}, {Signature: "S3"}}

	entries, err := e.facade.LedgerHistory(context.Background(), a.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "S1", entries[0].Signature)

	e.ledger.history = nil
	entries, err = e.facade.LedgerHistory(context.Background(), a.ID, 2)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	e.ledger.entryErr = apperr.E(apperr.LedgerUnavailable, "ledger.getTransaction", errors.New("reset"))
	_, err = e.facade.LedgerHistory(context.Background(), a.ID, 2)
	assert.ErrorIs(t, err, apperr.ErrLedgerUnavailable)
}
