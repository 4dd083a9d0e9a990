package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/wallets"
)

const walletColumns = `id, address, type, name, is_active, is_verified, balance,
	public_key, derivation_path, user_id, created_at, updated_at`

// WalletStore is the SQLite wallets.Store.
type WalletStore struct {
	db *sql.DB
}

var _ wallets.Store = (*WalletStore)(nil)

func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) Create(ctx context.Context, w *wallets.Wallet) error {
	if w.ID == "" {
		w.ID = store.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = store.Now()
	}
	w.UpdatedAt = w.CreatedAt
	if w.Type == "" {
		w.Type = wallets.TypeSolana
	}

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Address, string(w.Type), w.Name, boolInt(w.IsActive), boolInt(w.IsVerified),
		store.FormatDecimal(w.Balance), w.PublicKey, w.DerivationPath, w.UserID,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "wallets.address") {
			return apperr.E(apperr.DuplicateWallet, "sqlite.WalletStore.Create", err)
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (s *WalletStore) FindByID(ctx context.Context, id string) (*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	w, err := scanWallet(s.db.QueryRowContext(queryCtx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.WalletNotFound, "sqlite.WalletStore.FindByID", fmt.Errorf("wallet %s", id))
		}
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *WalletStore) FindByAddress(ctx context.Context, address string) ([]*wallets.Wallet, error) {
	return s.list(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = ?
		ORDER BY created_at DESC, rowid DESC`, address)
}

func (s *WalletStore) FindByUser(ctx context.Context, userID string) ([]*wallets.Wallet, error) {
	return s.list(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`, userID)
}

func (s *WalletStore) Update(ctx context.Context, id string, patch wallets.Patch) (*wallets.Wallet, error) {
	const op = "sqlite.WalletStore.Update"
	if patch.Empty() {
		return s.FindByID(ctx, id)
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Address != nil {
		set("address", *patch.Address)
	}
	if patch.Type != nil {
		set("type", string(*patch.Type))
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.IsActive != nil {
		set("is_active", boolInt(*patch.IsActive))
	}
	if patch.IsVerified != nil {
		set("is_verified", boolInt(*patch.IsVerified))
	}
	if patch.Balance != nil {
		set("balance", store.FormatDecimal(*patch.Balance))
	}
	if patch.PublicKey != nil {
		set("public_key", *patch.PublicKey)
	}
	if patch.DerivationPath != nil {
		set("derivation_path", *patch.DerivationPath)
	}
	set("updated_at", formatTime(store.Now()))
	args = append(args, id)

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx,
		`UPDATE wallets SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err, "wallets.address") {
			return nil, apperr.E(apperr.DuplicateWallet, op, err)
		}
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.E(apperr.WalletNotFound, op, fmt.Errorf("wallet %s", id))
	}
	return s.FindByID(ctx, id)
}

func (s *WalletStore) SetBalance(ctx context.Context, id, address string, balance decimal.Decimal) (*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ? AND address = ?`,
		store.FormatDecimal(balance), formatTime(store.Now()), id, address)
	if err != nil {
		return nil, fmt.Errorf("set wallet balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("wallet %s: %w", id, wallets.ErrAddressChanged)
	}
	return s.FindByID(ctx, id)
}

func (s *WalletStore) Delete(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `DELETE FROM wallets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.WalletNotFound, "sqlite.WalletStore.Delete", fmt.Errorf("wallet %s", id))
	}
	return nil
}

func (s *WalletStore) list(ctx context.Context, query string, args ...any) ([]*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []*wallets.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*wallets.Wallet, error) {
	var (
		w                    wallets.Wallet
		typ, balance         string
		active, verified     int
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.Address, &typ, &w.Name, &active, &verified, &balance,
		&w.PublicKey, &w.DerivationPath, &w.UserID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Type = wallets.Type(typ)
	w.IsActive = active != 0
	w.IsVerified = verified != 0
	if w.Balance, err = store.ParseDecimal(balance); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
