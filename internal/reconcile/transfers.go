package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/metrics"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/pkg/audit"
)

// TransferInput is a signed transaction built by an external collaborator
// together with the bookkeeping the ledger does not carry.
type TransferInput struct {
	FromWalletID string
	ToWalletID   string
	Amount       decimal.Decimal
	Type         transactions.Type
	TokenMint    string
	Memo         string
	Metadata     map[string]any
	SignedTx     []byte
}

func (in TransferInput) validate(op string, validAddress func(string) bool) error {
	if in.FromWalletID == "" || in.ToWalletID == "" {
		return apperr.Errorf(apperr.Invalid, op, "source and destination wallets are required")
	}
	if !in.Amount.IsPositive() {
		return apperr.Errorf(apperr.Invalid, op, "amount must be positive")
	}
	if !in.Amount.Shift(ledger.NativeDecimals).IsInteger() {
		return apperr.Errorf(apperr.Invalid, op, "amount has more than 9 fractional digits")
	}
	if len(in.SignedTx) == 0 {
		return apperr.Errorf(apperr.Invalid, op, "signed transaction is required")
	}
	if in.Type == transactions.TypeTokenTransfer && in.TokenMint == "" {
		return apperr.Errorf(apperr.Invalid, op, "token transfers require a mint")
	}
	if in.TokenMint != "" && !validAddress(in.TokenMint) {
		return apperr.E(apperr.InvalidAddress, op, fmt.Errorf("mint %q", in.TokenMint))
	}
	return nil
}

// SubmitTransfer checks both wallets, submits the signed transaction and
// records it as pending under the returned signature. Nothing is recorded
// when submission fails.
func (e *Engine) SubmitTransfer(ctx context.Context, in TransferInput) (tx *transactions.Transaction, err error) {
	const op = "reconcile.SubmitTransfer"
	ctx, done := e.begin(ctx, "SubmitTransfer",
		attribute.String("wallet.from", in.FromWalletID), attribute.String("wallet.to", in.ToWalletID))
	defer func() { done(err) }()

	if in.Type == "" {
		in.Type = transactions.TypeTransfer
	}
	if _, perr := transactions.ParseType(string(in.Type)); perr != nil {
		return nil, apperr.E(apperr.Invalid, op, perr)
	}
	if err := in.validate(op, e.ledger.ValidateAddress); err != nil {
		return nil, err
	}
	if _, err := e.wallets.FindByID(ctx, in.FromWalletID); err != nil {
		return nil, err
	}
	if _, err := e.wallets.FindByID(ctx, in.ToWalletID); err != nil {
		return nil, err
	}

	sig, err := e.ledger.Submit(ctx, in.SignedTx)
	if err != nil {
		return nil, err
	}

	tx = &transactions.Transaction{
		Signature:    sig,
		Type:         in.Type,
		Status:       transactions.StatusPending,
		Amount:       in.Amount,
		TokenMint:    in.TokenMint,
		Memo:         in.Memo,
		Metadata:     in.Metadata,
		FromWalletID: in.FromWalletID,
		ToWalletID:   in.ToWalletID,
	}
	if err := e.txs.Create(ctx, tx); err != nil {
		if errors.Is(err, transactions.ErrDuplicateSignature) {
			return e.resubmitted(ctx, op, tx)
		}
		// The ledger already has the transaction; keep the signature so it
		// can be reconciled by hand.
		e.logger.Error("submitted transaction not recorded", "signature", sig, "error", err)
		return nil, fmt.Errorf("record submitted transaction %s: %w", sig, err)
	}

	e.logger.Info("transfer submitted", "transaction_id", tx.ID, "signature", sig, "amount", in.Amount.String())
	e.record(ctx, audit.Event{Type: audit.TransferSubmitted, TransactionID: tx.ID, WalletID: in.FromWalletID,
		To: string(transactions.StatusPending),
		Detail: map[string]any{"signature": sig, "amount": in.Amount.String(), "to_wallet_id": in.ToWalletID}})
	return tx, nil
}

// resubmitted resolves a submission whose signature is already recorded.
// A retry of the same transfer gets the existing record back; a different
// transfer claiming the signature is refused.
func (e *Engine) resubmitted(ctx context.Context, op string, tx *transactions.Transaction) (*transactions.Transaction, error) {
	existing, err := e.txs.FindBySignature(ctx, tx.Signature)
	if err != nil {
		return nil, err
	}
	if existing.FromWalletID != tx.FromWalletID || existing.ToWalletID != tx.ToWalletID ||
		!existing.Amount.Equal(tx.Amount) || existing.Type != tx.Type || existing.TokenMint != tx.TokenMint {
		return nil, apperr.E(apperr.Invalid, op,
			fmt.Errorf("signature %s is already recorded as transaction %s with different transfer details", tx.Signature, existing.ID))
	}
	e.logger.Info("transfer already recorded", "transaction_id", existing.ID, "signature", tx.Signature)
	return existing, nil
}

// Confirm asks the ledger for the record's signature status and applies the
// matching terminal transition. Records already terminal are returned as
// stored without a ledger call. When the ledger cannot answer, the pending
// record is returned together with the ledger error.
func (e *Engine) Confirm(ctx context.Context, id string) (tx *transactions.Transaction, err error) {
	ctx, done := e.begin(ctx, "Confirm", attribute.String("transaction.id", id))
	defer func() { done(err) }()

	tx, err = e.txs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		metrics.ConfirmationChecksTotal.WithLabelValues("terminal").Inc()
		return tx, nil
	}

	st, err := e.ledger.GetSignatureStatus(ctx, tx.Signature)
	if err != nil {
		metrics.ConfirmationChecksTotal.WithLabelValues("ledger_error").Inc()
		e.logger.Warn("confirmation check failed", "transaction_id", id, "signature", tx.Signature, "error", err)
		return tx, err
	}
	if !st.Observed || !st.Settled {
		outcome := "not_observed"
		if st.Observed {
			outcome = "below_commitment"
		}
		metrics.ConfirmationChecksTotal.WithLabelValues(outcome).Inc()
		return tx, nil
	}

	upd := settlement(st)
	metrics.ConfirmationChecksTotal.WithLabelValues(string(upd.Status)).Inc()
	return e.transition(ctx, tx, upd)
}

// settlement maps a settled ledger status to the terminal update.
func settlement(st *ledger.SignatureStatus) transactions.StatusUpdate {
	upd := transactions.StatusUpdate{
		Status:   transactions.StatusConfirmed,
		Fee:      st.Fee,
		Metadata: map[string]any{"confirmation_status": st.ConfirmationStatus},
	}
	if st.Slot > 0 {
		slot := st.Slot
		upd.BlockNumber = &slot
	}
	if st.BlockTime != nil {
		bt := *st.BlockTime
		upd.BlockTime = &bt
	}
	if st.Failed() {
		upd.Status = transactions.StatusFailed
		upd.Metadata["ledger_error"] = st.Err
	}
	return upd
}

// Cancel abandons a pending record locally. Cancelling a cancelled record
// is a no-op; confirmed and failed records cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (tx *transactions.Transaction, err error) {
	ctx, done := e.begin(ctx, "Cancel", attribute.String("transaction.id", id))
	defer func() { done(err) }()

	tx, err = e.txs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == transactions.StatusCancelled {
		return tx, nil
	}
	if err := transactions.CheckTransition(id, tx.Status, transactions.StatusCancelled); err != nil {
		return nil, err
	}
	return e.transition(ctx, tx, transactions.StatusUpdate{
		Status:   transactions.StatusCancelled,
		Metadata: map[string]any{"cancelled_at": e.now().UTC().Format(time.RFC3339)},
	})
}

// transition applies upd through the store's compare-and-set. Losing the
// race to another caller is not an error when the winner reached the same
// status; the stored record is returned either way.
func (e *Engine) transition(ctx context.Context, tx *transactions.Transaction, upd transactions.StatusUpdate) (*transactions.Transaction, error) {
	updated, err := e.txs.UpdateStatus(ctx, tx.ID, upd)
	if err != nil {
		if !errors.Is(err, apperr.ErrInvalidStateTransition) {
			return tx, err
		}
		stored, ferr := e.txs.FindByID(ctx, tx.ID)
		if ferr != nil {
			return nil, ferr
		}
		if upd.Status == transactions.StatusCancelled && stored.Status != transactions.StatusCancelled {
			return stored, err
		}
		e.logger.Debug("status already settled by another caller",
			"transaction_id", tx.ID, "status", string(stored.Status))
		return stored, nil
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(tx.Status), string(updated.Status)).Inc()
	e.logger.Info("transaction status changed",
		"transaction_id", tx.ID, "signature", tx.Signature, "from", string(tx.Status), "to", string(updated.Status))
	e.record(ctx, audit.Event{Type: audit.TransactionSettled, TransactionID: tx.ID, WalletID: tx.FromWalletID,
		From: string(tx.Status), To: string(updated.Status), Detail: upd.Metadata})
	return updated, nil
}

// SweepResult summarizes a ConfirmPending run.
type SweepResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// ConfirmPending runs Confirm over up to limit of the oldest pending
// records with at most workers checks in flight. Per-record failures are
// counted, not returned.
func (e *Engine) ConfirmPending(ctx context.Context, limit, workers int) (*SweepResult, error) {
	pending, err := e.txs.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		res = &SweepResult{Checked: len(pending)}
		g   errgroup.Group
	)
	g.SetLimit(workers)
	for _, p := range pending {
		g.Go(func() error {
			tx, err := e.Confirm(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors++
			case tx.Status == transactions.StatusConfirmed:
				res.Confirmed++
			case tx.Status == transactions.StatusFailed:
				res.Failed++
			case tx.Status == transactions.StatusCancelled:
				res.Cancelled++
			default:
				res.Pending++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("pending sweep completed",
		"checked", res.Checked, "confirmed", res.Confirmed, "failed", res.Failed,
		"pending", res.Pending, "errors", res.Errors)
	return res, ctx.Err()
}
