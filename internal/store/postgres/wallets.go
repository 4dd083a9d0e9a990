package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/wallets"
)

const walletColumns = `id::text, address, type, name, is_active, is_verified, balance::text,
	public_key, derivation_path, user_id, created_at, updated_at`

const invalidTextRepresentation = "22P02"

// WalletStore is the PostgreSQL wallets.Store.
type WalletStore struct {
	Pool *pgxpool.Pool
}

var _ wallets.Store = (*WalletStore)(nil)

func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{Pool: pool}
}

func (s *WalletStore) Create(ctx context.Context, w *wallets.Wallet) error {
	const op = "postgres.WalletStore.Create"
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

	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO wallets (id, address, type, name, is_active, is_verified, balance,
			public_key, derivation_path, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
	`, w.ID, w.Address, string(w.Type), w.Name, w.IsActive, w.IsVerified, store.FormatDecimal(w.Balance),
		w.PublicKey, w.DerivationPath, w.UserID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "wallets_address_user_key") {
			return apperr.E(apperr.DuplicateWallet, op, err)
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (s *WalletStore) FindByID(ctx context.Context, id string) (*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	w, err := scanWallet(s.Pool.QueryRow(queryCtx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, apperr.E(apperr.WalletNotFound, "postgres.WalletStore.FindByID", fmt.Errorf("wallet %s", id))
		}
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *WalletStore) FindByAddress(ctx context.Context, address string) ([]*wallets.Wallet, error) {
	return s.list(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1 ORDER BY created_at DESC`, address)
}

func (s *WalletStore) FindByUser(ctx context.Context, userID string) ([]*wallets.Wallet, error) {
	return s.list(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// Update builds a single UPDATE from the set fields of patch.
func (s *WalletStore) Update(ctx context.Context, id string, patch wallets.Patch) (*wallets.Wallet, error) {
	const op = "postgres.WalletStore.Update"
	if patch.Empty() {
		return s.FindByID(ctx, id)
	}

	var sets []string
	var args []any
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Address != nil {
		set("address = $%d", *patch.Address)
	}
	if patch.Type != nil {
		set("type = $%d", string(*patch.Type))
	}
	if patch.Name != nil {
		set("name = $%d", *patch.Name)
	}
	if patch.IsActive != nil {
		set("is_active = $%d", *patch.IsActive)
	}
	if patch.IsVerified != nil {
		set("is_verified = $%d", *patch.IsVerified)
	}
	if patch.Balance != nil {
		set("balance = $%d::numeric", store.FormatDecimal(*patch.Balance))
	}
	if patch.PublicKey != nil {
		set("public_key = $%d", *patch.PublicKey)
	}
	if patch.DerivationPath != nil {
		set("derivation_path = $%d", *patch.DerivationPath)
	}
	set("updated_at = $%d", store.Now())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE wallets SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), walletColumns)

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	var w *wallets.Wallet
	err := retry(queryCtx, func() (err error) {
		w, err = scanWallet(s.Pool.QueryRow(queryCtx, query, args...))
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows), isInvalidText(err):
			return nil, apperr.E(apperr.WalletNotFound, op, fmt.Errorf("wallet %s", id))
		case isUniqueViolation(err, "wallets_address_user_key"):
			return nil, apperr.E(apperr.DuplicateWallet, op, err)
		}
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	return w, nil
}

func (s *WalletStore) SetBalance(ctx context.Context, id, address string, balance decimal.Decimal) (*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	var w *wallets.Wallet
	err := retry(queryCtx, func() (err error) {
		w, err = scanWallet(s.Pool.QueryRow(queryCtx, `
			UPDATE wallets SET balance = $3::numeric, updated_at = $4
			WHERE id = $1 AND address = $2
			RETURNING `+walletColumns,
			id, address, store.FormatDecimal(balance), store.Now()))
		return err
	})
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isInvalidText(err) {
		return nil, fmt.Errorf("set wallet balance: %w", err)
	}
	if _, ferr := s.FindByID(ctx, id); ferr != nil {
		return nil, ferr
	}
	return nil, fmt.Errorf("wallet %s: %w", id, wallets.ErrAddressChanged)
}

func (s *WalletStore) Delete(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	tag, err := s.Pool.Exec(queryCtx, `DELETE FROM wallets WHERE id = $1`, id)
	if err != nil && !isInvalidText(err) {
		return fmt.Errorf("delete wallet: %w", err)
	}
	if err != nil || tag.RowsAffected() == 0 {
		return apperr.E(apperr.WalletNotFound, "postgres.WalletStore.Delete", fmt.Errorf("wallet %s", id))
	}
	return nil
}

func (s *WalletStore) list(ctx context.Context, query string, args ...any) ([]*wallets.Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, query, args...)
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

func scanWallet(row pgx.Row) (*wallets.Wallet, error) {
	var w wallets.Wallet
	var typ, balance string
	err := row.Scan(&w.ID, &w.Address, &typ, &w.Name, &w.IsActive, &w.IsVerified, &balance,
		&w.PublicKey, &w.DerivationPath, &w.UserID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Type = wallets.Type(typ)
	if w.Balance, err = store.ParseDecimal(balance); err != nil {
		return nil, err
	}
	return &w, nil
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}
