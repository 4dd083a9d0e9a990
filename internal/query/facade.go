// Package query composes read-only views over the wallet and transaction
// stores and the ledger. Nothing here writes to a store.
package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
)

// Facade serves wallet snapshots and transaction history.
type Facade struct {
	ledger  ledger.Client
	wallets wallets.Store
	txs     transactions.Store
	logger  *slog.Logger
	now     func() time.Time
}

func New(lc ledger.Client, ws wallets.Store, ts transactions.Store, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		ledger:  lc,
		wallets: ws,
		txs:     ts,
		logger:  logger.With("component", "query"),
		now:     time.Now,
	}
}

// Snapshot is a wallet with the balance the caller asked for. When a fresh
// read was requested but the ledger could not answer, Balance holds the
// cached value, Fresh is false and RefreshErr carries the ledger error.
type Snapshot struct {
	Wallet       *wallets.Wallet `json:"wallet"`
	Balance      decimal.Decimal `json:"balance"`
	Fresh        bool            `json:"fresh"`
	AsOf         time.Time       `json:"as_of"`
	RefreshError string          `json:"refresh_error,omitempty"`
	RefreshErr   error           `json:"-"`
}

// WalletSnapshot returns the wallet with its cached balance, or with a live
// ledger balance when fresh is set. A live read is not written back.
func (f *Facade) WalletSnapshot(ctx context.Context, walletID string, fresh bool) (*Snapshot, error) {
	w, err := f.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Wallet: w, Balance: w.Balance, AsOf: w.UpdatedAt}
	if !fresh {
		return snap, nil
	}

	bal, err := f.ledger.GetBalance(ctx, w.Address)
	if err != nil {
		f.logger.Warn("live balance unavailable, serving cached", "wallet_id", walletID, "error", err)
		snap.RefreshErr = apperr.E(apperr.BalanceRefreshFailed, "query.WalletSnapshot", err)
		snap.RefreshError = snap.RefreshErr.Error()
		return snap, nil
	}
	snap.Balance = bal
	snap.Fresh = true
	snap.AsOf = f.now().UTC()
	return snap, nil
}

// HistoryOptions controls TransactionHistory.
type HistoryOptions struct {
	Limit int
	// CrossCheck also reads the ledger's signature history for the wallet
	// and reports entries with no local record.
	CrossCheck bool
}

// History lists the wallet's stored records. Untracked holds ledger entries
// for the wallet's address that have no local record. The stored record is
// authoritative for anything it covers.
type History struct {
	WalletID    string                      `json:"wallet_id"`
	Records     []*transactions.Transaction `json:"records"`
	Untracked   []ledger.HistoryEntry       `json:"untracked,omitempty"`
	CrossCheck  bool                        `json:"cross_checked"`
	LedgerError string                      `json:"ledger_error,omitempty"`
	LedgerErr   error                       `json:"-"`
}

// TransactionHistory returns the wallet's records newest first. With
// CrossCheck the ledger is read concurrently; a ledger failure is reported
// in the result and never fails the call.
func (f *Facade) TransactionHistory(ctx context.Context, walletID string, opts HistoryOptions) (*History, error) {
	w, err := f.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	limit := store.Limit(opts.Limit)
	h := &History{WalletID: walletID, CrossCheck: opts.CrossCheck}

	var entries []ledger.HistoryEntry
	var ledgerErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := f.txs.ListByWallet(gctx, walletID, limit)
		if err != nil {
			return err
		}
		h.Records = recs
		return nil
	})
	if opts.CrossCheck {
		g.Go(func() error {
			seq, err := f.ledger.GetTransactionHistory(gctx, w.Address, limit)
			if err == nil {
				entries, err = ledger.CollectHistory(seq)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				ledgerErr = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if h.Records == nil {
		h.Records = []*transactions.Transaction{}
	}

	if ledgerErr != nil {
		f.logger.Warn("ledger history unavailable", "wallet_id", walletID, "error", ledgerErr)
		h.LedgerErr = ledgerErr
		h.LedgerError = ledgerErr.Error()
		return h, nil
	}

	known := make(map[string]struct{}, len(h.Records))
	for _, r := range h.Records {
		known[r.Signature] = struct{}{}
	}
	for _, e := range entries {
		if _, ok := known[e.Signature]; ok {
			continue
		}
		// The record may exist but sit outside the listed window.
		_, err := f.txs.FindBySignature(ctx, e.Signature)
		switch {
		case err == nil:
			continue
		case errors.Is(err, apperr.ErrTransactionNotFound):
			h.Untracked = append(h.Untracked, e)
		default:
			return nil, err
		}
	}
	return h, nil
}

// LedgerHistory returns the ledger's recent history for the wallet's
// address, newest first.
func (f *Facade) LedgerHistory(ctx context.Context, walletID string, limit int) ([]ledger.HistoryEntry, error) {
	w, err := f.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	seq, err := f.ledger.GetTransactionHistory(ctx, w.Address, limit)
	if err != nil {
		return nil, err
	}
	entries, err := ledger.CollectHistory(seq)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ledger.HistoryEntry{}
	}
	return entries, nil
}
