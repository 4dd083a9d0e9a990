// Package reconcile is the stateless orchestration between the ledger and
// the two record stores: wallet registration and balance refresh, token
// balance lookup, transfer submission and the transaction status machine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/metrics"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
	"github.com/example/walletrecon/pkg/audit"
)

// Auditor records state changes. Failures are logged and never undo the
// change that was already persisted.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) (*audit.Entry, error)
}

// Engine holds no state between calls; all state lives in the stores.
type Engine struct {
	ledger  ledger.Client
	wallets wallets.Store
	txs     transactions.Store
	auditor Auditor
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.auditor = a } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New assembles an Engine over its three collaborators.
func New(lc ledger.Client, ws wallets.Store, ts transactions.Store, opts ...Option) *Engine {
	e := &Engine{
		ledger:  lc,
		wallets: ws,
		txs:     ts,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/example/walletrecon/internal/reconcile"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "reconcile")
	return e
}

// begin opens a span for operation and returns a completion func that
// records the outcome on the span and in metrics.
func (e *Engine) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "reconcile."+operation, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = apperr.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		metrics.EngineOperationsTotal.WithLabelValues(operation, result).Inc()
		span.End()
	}
}

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.Record(ctx, ev); err != nil {
		e.logger.Error("audit record failed", "event", string(ev.Type), "error", err)
	}
}

// RegisterWalletInput describes a wallet to register.
type RegisterWalletInput struct {
	UserID         string
	Address        string
	Type           wallets.Type
	Name           string
	PublicKey      string
	DerivationPath string
}

// Registration is the outcome of RegisterWallet. RefreshErr is set when the
// wallet was stored but the follow-up balance refresh failed; the caller
// may retry RefreshBalance.
type Registration struct {
	Wallet     *wallets.Wallet
	RefreshErr error
}

// RegisterWallet validates the address, rejects a second registration of the
// same address by the same owner, persists the wallet and then refreshes its
// balance. A refresh failure does not fail the registration.
func (e *Engine) RegisterWallet(ctx context.Context, in RegisterWalletInput) (reg *Registration, err error) {
	const op = "reconcile.RegisterWallet"
	ctx, done := e.begin(ctx, "RegisterWallet", attribute.String("user.id", in.UserID))
	defer func() { done(err) }()

	if in.UserID == "" {
		return nil, apperr.Errorf(apperr.Invalid, op, "user id is required")
	}
	typ := in.Type
	if typ == "" {
		typ = wallets.TypeSolana
	}
	if !typ.Valid() {
		return nil, apperr.E(apperr.Invalid, op, fmt.Errorf("unknown wallet type %q", in.Type))
	}
	if !e.ledger.ValidateAddress(in.Address) {
		return nil, apperr.E(apperr.InvalidAddress, op, fmt.Errorf("address %q", in.Address))
	}
	if err := e.checkDuplicate(ctx, op, in.Address, in.UserID, ""); err != nil {
		return nil, err
	}

	w := &wallets.Wallet{
		Address:        in.Address,
		Type:           typ,
		Name:           in.Name,
		IsActive:       true,
		Balance:        decimal.Zero,
		PublicKey:      in.PublicKey,
		DerivationPath: in.DerivationPath,
		UserID:         in.UserID,
	}
	if err := e.wallets.Create(ctx, w); err != nil {
		return nil, err
	}
	e.logger.Info("wallet registered", "wallet_id", w.ID, "user_id", w.UserID, "address", w.Address)
	e.record(ctx, audit.Event{Type: audit.WalletRegistered, WalletID: w.ID, UserID: w.UserID,
		Detail: map[string]any{"address": w.Address, "type": string(w.Type)}})

	reg = &Registration{Wallet: w}
	refreshed, rerr := e.RefreshBalance(ctx, w.ID)
	if rerr != nil {
		e.logger.Warn("initial balance refresh failed", "wallet_id", w.ID, "error", rerr)
		reg.RefreshErr = rerr
		return reg, nil
	}
	reg.Wallet = refreshed
	return reg, nil
}

// checkDuplicate reports DuplicateWallet when owner already holds address
// under a record other than exceptID. The store's unique constraint remains
// the authority under concurrent registrations.
func (e *Engine) checkDuplicate(ctx context.Context, op, address, owner, exceptID string) error {
	existing, err := e.wallets.FindByAddress(ctx, address)
	if err != nil {
		return err
	}
	for _, w := range existing {
		if w.UserID == owner && w.ID != exceptID {
			return apperr.E(apperr.DuplicateWallet, op, fmt.Errorf("address %s already registered for user %s", address, owner))
		}
	}
	return nil
}

const maxRefreshAttempts = 3

// RefreshBalance reads the wallet's native balance from the ledger and
// stores it. On a ledger failure the stored balance is left untouched and
// BalanceRefreshFailed wraps the ledger error.
func (e *Engine) RefreshBalance(ctx context.Context, walletID string) (w *wallets.Wallet, err error) {
	const op = "reconcile.RefreshBalance"
	ctx, done := e.begin(ctx, "RefreshBalance", attribute.String("wallet.id", walletID))
	defer func() { done(err) }()

	var (
		current, updated *wallets.Wallet
		balance          decimal.Decimal
	)
	// An address change racing the ledger read makes the write miss; read
	// again for the new address.
	for attempt := 0; ; attempt++ {
		current, err = e.wallets.FindByID(ctx, walletID)
		if err != nil {
			return nil, err
		}
		balance, err = e.ledger.GetBalance(ctx, current.Address)
		if err != nil {
			return nil, apperr.E(apperr.BalanceRefreshFailed, op, err)
		}
		updated, err = e.wallets.SetBalance(ctx, walletID, current.Address, balance)
		if err == nil {
			break
		}
		if !errors.Is(err, wallets.ErrAddressChanged) {
			return nil, err
		}
		if attempt == maxRefreshAttempts-1 {
			return nil, apperr.E(apperr.BalanceRefreshFailed, op, err)
		}
	}

	e.logger.Debug("wallet balance refreshed", "wallet_id", walletID, "balance", balance.String())
	e.record(ctx, audit.Event{Type: audit.BalanceRefreshed, WalletID: walletID, UserID: updated.UserID,
		Detail: map[string]any{"previous": current.Balance.String(), "balance": balance.String()}})
	return updated, nil
}

// TokenBalance returns the wallet's balance of mint. A mint the wallet never
// held yields zero.
func (e *Engine) TokenBalance(ctx context.Context, walletID, mint string) (bal decimal.Decimal, err error) {
	const op = "reconcile.TokenBalance"
	ctx, done := e.begin(ctx, "TokenBalance", attribute.String("wallet.id", walletID), attribute.String("token.mint", mint))
	defer func() { done(err) }()

	w, err := e.wallets.FindByID(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	if !e.ledger.ValidateAddress(mint) {
		return decimal.Zero, apperr.E(apperr.InvalidAddress, op, fmt.Errorf("mint %q", mint))
	}
	bal, err = e.ledger.GetTokenBalance(ctx, w.Address, mint)
	if err != nil {
		return decimal.Zero, apperr.E(apperr.TokenBalanceQueryFailed, op, err)
	}
	return bal, nil
}

// UpdateWallet applies a caller patch. An address change is validated and
// checked for duplicates within the same owner, then followed by a
// best-effort balance refresh for the new address. Balance is not caller
// writable.
func (e *Engine) UpdateWallet(ctx context.Context, walletID string, patch wallets.Patch) (w *wallets.Wallet, err error) {
	const op = "reconcile.UpdateWallet"
	ctx, done := e.begin(ctx, "UpdateWallet", attribute.String("wallet.id", walletID))
	defer func() { done(err) }()

	if patch.Balance != nil {
		return nil, apperr.Errorf(apperr.Invalid, op, "balance is maintained by reconciliation")
	}
	if patch.Type != nil && !patch.Type.Valid() {
		return nil, apperr.E(apperr.Invalid, op, fmt.Errorf("unknown wallet type %q", *patch.Type))
	}
	current, err := e.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	addressChanged := patch.Address != nil && *patch.Address != current.Address
	if addressChanged {
		if !e.ledger.ValidateAddress(*patch.Address) {
			return nil, apperr.E(apperr.InvalidAddress, op, fmt.Errorf("address %q", *patch.Address))
		}
		if err := e.checkDuplicate(ctx, op, *patch.Address, current.UserID, walletID); err != nil {
			return nil, err
		}
	}

	updated, err := e.wallets.Update(ctx, walletID, patch)
	if err != nil {
		return nil, err
	}
	e.record(ctx, audit.Event{Type: audit.WalletUpdated, WalletID: walletID, UserID: updated.UserID,
		Detail: map[string]any{"address_changed": addressChanged}})

	if addressChanged {
		refreshed, rerr := e.RefreshBalance(ctx, walletID)
		if rerr != nil {
			e.logger.Warn("balance refresh after address change failed", "wallet_id", walletID, "error", rerr)
			return updated, nil
		}
		return refreshed, nil
	}
	return updated, nil
}

// Verify marks the wallet as verified.
func (e *Engine) Verify(ctx context.Context, walletID string) (*wallets.Wallet, error) {
	verified := true
	return e.setFlags(ctx, "Verify", walletID, wallets.Patch{IsVerified: &verified})
}

func (e *Engine) Activate(ctx context.Context, walletID string) (*wallets.Wallet, error) {
	active := true
	return e.setFlags(ctx, "Activate", walletID, wallets.Patch{IsActive: &active})
}

func (e *Engine) Deactivate(ctx context.Context, walletID string) (*wallets.Wallet, error) {
	active := false
	return e.setFlags(ctx, "Deactivate", walletID, wallets.Patch{IsActive: &active})
}

func (e *Engine) setFlags(ctx context.Context, operation, walletID string, patch wallets.Patch) (w *wallets.Wallet, err error) {
	ctx, done := e.begin(ctx, operation, attribute.String("wallet.id", walletID))
	defer func() { done(err) }()

	w, err = e.wallets.Update(ctx, walletID, patch)
	if err != nil {
		return nil, err
	}
	e.record(ctx, audit.Event{Type: audit.WalletUpdated, WalletID: walletID, UserID: w.UserID,
		Detail: map[string]any{"is_active": w.IsActive, "is_verified": w.IsVerified}})
	return w, nil
}

// DeleteWallet removes the wallet. Its transaction records are kept.
func (e *Engine) DeleteWallet(ctx context.Context, walletID string) (err error) {
	ctx, done := e.begin(ctx, "DeleteWallet", attribute.String("wallet.id", walletID))
	defer func() { done(err) }()

	w, err := e.wallets.FindByID(ctx, walletID)
	if err != nil {
		return err
	}
	if err := e.wallets.Delete(ctx, walletID); err != nil {
		return err
	}
	e.logger.Info("wallet deleted", "wallet_id", walletID, "user_id", w.UserID)
	e.record(ctx, audit.Event{Type: audit.WalletDeleted, WalletID: walletID, UserID: w.UserID,
		Detail: map[string]any{"address": w.Address}})
	return nil
}

// Wallet returns the stored wallet.
func (e *Engine) Wallet(ctx context.Context, walletID string) (*wallets.Wallet, error) {
	return e.wallets.FindByID(ctx, walletID)
}

// WalletByAddress returns the most recent record registered under address.
func (e *Engine) WalletByAddress(ctx context.Context, address string) (*wallets.Wallet, error) {
	list, err := e.wallets.FindByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.E(apperr.WalletNotFound, "reconcile.WalletByAddress", fmt.Errorf("address %s", address))
	}
	return list[0], nil
}

// WalletsByUser lists the user's wallets, newest first.
func (e *Engine) WalletsByUser(ctx context.Context, userID string) ([]*wallets.Wallet, error) {
	return e.wallets.FindByUser(ctx, userID)
}

// Transaction returns the stored record.
func (e *Engine) Transaction(ctx context.Context, id string) (*transactions.Transaction, error) {
	return e.txs.FindByID(ctx, id)
}

// TransactionBySignature returns the record for a ledger signature.
func (e *Engine) TransactionBySignature(ctx context.Context, signature string) (*transactions.Transaction, error) {
	return e.txs.FindBySignature(ctx, signature)
}
