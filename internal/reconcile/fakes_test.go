package reconcile

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/store/sqlite"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
	"github.com/example/walletrecon/pkg/audit"
)

var errNodeDown = apperr.E(apperr.LedgerUnavailable, "ledger.getBalance", errors.New("connection refused"))

// fakeLedger is a scripted ledger.Client.
type fakeLedger struct {
	mu sync.Mutex

	balances      map[string]decimal.Decimal
	balanceErr    error
	tokenBalances map[string]decimal.Decimal // wallet|mint
	tokenErr      error
	submitSig     string
	submitErr     error
	statuses      map[string]*ledger.SignatureStatus
	statusErr     error
	history       []ledger.HistoryEntry
	historyErr    error
	// beforeBalance runs at the start of each GetBalance, outside the lock.
	beforeBalance func(address string)

	calls map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:      map[string]decimal.Decimal{},
		tokenBalances: map[string]decimal.Decimal{},
		statuses:      map[string]*ledger.SignatureStatus{},
		calls:         map[string]int{},
	}
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeLedger) hit(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *fakeLedger) ValidateAddress(address string) bool {
	return address != "" && !strings.ContainsAny(address, "!0OIl ")
}

func (f *fakeLedger) GetBalance(_ context.Context, address string) (decimal.Decimal, error) {
	f.hit("GetBalance")
	f.mu.Lock()
	hook := f.beforeBalance
	f.mu.Unlock()
	if hook != nil {
		hook(address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balances[address], nil
}

func (f *fakeLedger) GetTokenBalance(_ context.Context, walletAddress, mint string) (decimal.Decimal, error) {
	f.hit("GetTokenBalance")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return decimal.Zero, f.tokenErr
	}
	return f.tokenBalances[walletAddress+"|"+mint], nil
}

func (f *fakeLedger) GetTransactionHistory(_ context.Context, _ string, limit int) (iter.Seq2[ledger.HistoryEntry, error], error) {
	f.hit("GetTransactionHistory")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	entries := f.history
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return func(yield func(ledger.HistoryEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (f *fakeLedger) Submit(_ context.Context, _ []byte) (string, error) {
	f.hit("Submit")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitSig, f.submitErr
}

func (f *fakeLedger) GetSignatureStatus(_ context.Context, signature string) (*ledger.SignatureStatus, error) {
	f.hit("GetSignatureStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if st, ok := f.statuses[signature]; ok {
		cp := *st
		return &cp, nil
	}
	return &ledger.SignatureStatus{Signature: signature}, nil
}

func (f *fakeLedger) GetLatestBlockhash(context.Context) (*ledger.Blockhash, error) {
	return &ledger.Blockhash{Blockhash: "hash"}, nil
}

func (f *fakeLedger) Simulate(context.Context, []byte) (*ledger.SimulationResult, error) {
	return &ledger.SimulationResult{}, nil
}

func (f *fakeLedger) setStatus(sig string, st *ledger.SignatureStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = st
}

func settled(sig string, ledgerErr any) *ledger.SignatureStatus {
	fee := decimal.RequireFromString("0.000005")
	bt := time.Unix(1700000000, 0).UTC()
	return &ledger.SignatureStatus{
		Signature:          sig,
		Observed:           true,
		Settled:            true,
		ConfirmationStatus: "finalized",
		Slot:               4242,
		BlockTime:          &bt,
		Fee:                &fee,
		Err:                ledgerErr,
	}
}

// memoryAuditor collects events.
type memoryAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryAuditor) Record(_ context.Context, ev audit.Event) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return &audit.Entry{}, nil
}

func (m *memoryAuditor) types() []audit.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// failingWallets fails Update and SetBalance and delegates everything else.
type failingWallets struct {
	wallets.Store
	updateErr error
}

func (f *failingWallets) SetBalance(ctx context.Context, id, address string, balance decimal.Decimal) (*wallets.Wallet, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.Store.SetBalance(ctx, id, address, balance)
}

func (f *failingWallets) Update(ctx context.Context, id string, p wallets.Patch) (*wallets.Wallet, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.Store.Update(ctx, id, p)
}

// failingTransactions fails Create.
type failingTransactions struct {
	transactions.Store
	createErr error
}

func (f *failingTransactions) Create(ctx context.Context, tx *transactions.Transaction) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, tx)
}

type fixture struct {
	engine  *Engine
	ledger  *fakeLedger
	wallets wallets.Store
	txs     transactions.Store
	auditor *memoryAuditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	f := &fixture{
		ledger:  newFakeLedger(),
		wallets: sqlite.NewWalletStore(db),
		txs:     sqlite.NewTransactionStore(db),
		auditor: &memoryAuditor{},
	}
	f.engine = New(f.ledger, f.wallets, f.txs, WithAuditor(f.auditor))
	return f
}

func (f *fixture) register(t *testing.T, user, address string) *wallets.Wallet {
	t.Helper()
	reg, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: user, Address: address})
	require.NoError(t, err)
	return reg.Wallet
}

func (f *fixture) submit(t *testing.T, sig string, from, to *wallets.Wallet) *transactions.Transaction {
	t.Helper()
	f.ledger.mu.Lock()
	f.ledger.submitSig = sig
	f.ledger.mu.Unlock()
	tx, err := f.engine.SubmitTransfer(context.Background(), TransferInput{
		FromWalletID: from.ID,
		ToWalletID:   to.ID,
		Amount:       decimal.RequireFromString("1.000000000"),
		SignedTx:     []byte{1, 2, 3},
	})
	require.NoError(t, err)
	return tx
}
