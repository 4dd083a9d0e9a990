package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/transactions"
)

const transactionColumns = `id::text, signature, type, status, amount::text, token_mint, fee::text,
	block_number, block_time, memo, metadata::text, from_wallet_id::text, to_wallet_id::text,
	created_at, updated_at`

// TransactionStore is the PostgreSQL transactions.Store.
type TransactionStore struct {
	Pool *pgxpool.Pool
}

var _ transactions.Store = (*TransactionStore)(nil)

func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{Pool: pool}
}

func (s *TransactionStore) Create(ctx context.Context, tx *transactions.Transaction) error {
	if tx.ID == "" {
		tx.ID = store.NewID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = store.Now()
	}
	tx.UpdatedAt = tx.CreatedAt
	if tx.Status == "" {
		tx.Status = transactions.StatusPending
	}
	if tx.Type == "" {
		tx.Type = transactions.TypeTransfer
	}
	meta, err := store.EncodeMetadata(tx.Metadata)
	if err != nil {
		return err
	}

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	_, err = s.Pool.Exec(queryCtx, `
		INSERT INTO transactions (id, signature, type, status, amount, token_mint, fee,
			block_number, block_time, memo, metadata, from_wallet_id, to_wallet_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10, $11::jsonb, $12, $13, $14, $15)
	`, tx.ID, tx.Signature, string(tx.Type), string(tx.Status), store.FormatDecimal(tx.Amount), tx.TokenMint,
		store.FormatDecimalPtr(tx.Fee), tx.BlockNumber, tx.BlockTime, tx.Memo, meta,
		nullable(tx.FromWalletID), nullable(tx.ToWalletID), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "transactions_signature_key") {
			return fmt.Errorf("insert transaction %s: %w", tx.Signature, transactions.ErrDuplicateSignature)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) FindByID(ctx context.Context, id string) (*transactions.Transaction, error) {
	return s.findOne(ctx, "postgres.TransactionStore.FindByID", `WHERE id = $1`, id)
}

func (s *TransactionStore) FindBySignature(ctx context.Context, signature string) (*transactions.Transaction, error) {
	return s.findOne(ctx, "postgres.TransactionStore.FindBySignature", `WHERE signature = $1`, signature)
}

func (s *TransactionStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*transactions.Transaction, error) {
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE from_wallet_id = $1 OR to_wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`, walletID, store.Limit(limit))
}

func (s *TransactionStore) ListPending(ctx context.Context, limit int) ([]*transactions.Transaction, error) {
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT $1`, store.Limit(limit))
}

// UpdateStatus moves a pending record to upd.Status in one conditional
// statement. Metadata is merged with the jsonb concatenation operator.
func (s *TransactionStore) UpdateStatus(ctx context.Context, id string, upd transactions.StatusUpdate) (*transactions.Transaction, error) {
	const op = "postgres.TransactionStore.UpdateStatus"
	if err := transactions.CheckTransition(id, transactions.StatusPending, upd.Status); err != nil {
		return nil, err
	}
	meta, err := store.EncodeMetadata(upd.Metadata)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	var tx *transactions.Transaction
	err = retry(queryCtx, func() (err error) {
		tx, err = scanTransaction(s.Pool.QueryRow(queryCtx, `
		UPDATE transactions SET
			status = $2,
			block_number = COALESCE($3, block_number),
			block_time = COALESCE($4, block_time),
			fee = COALESCE($5::numeric, fee),
			metadata = metadata || $6::jsonb,
			updated_at = $7
		WHERE id = $1 AND status = 'pending'
		RETURNING `+transactionColumns,
			id, string(upd.Status), upd.BlockNumber, upd.BlockTime, store.FormatDecimalPtr(upd.Fee), meta, store.Now()))
		return err
	})
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isInvalidText(err) {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	// Nothing matched: either the id is unknown or the record already left
	// pending.
	current, ferr := s.FindByID(ctx, id)
	if ferr != nil {
		return nil, ferr
	}
	if terr := transactions.CheckTransition(id, current.Status, upd.Status); terr != nil {
		return nil, terr
	}
	return nil, apperr.Errorf(apperr.InvalidStateTransition, op, "record changed concurrently")
}

func (s *TransactionStore) findOne(ctx context.Context, op, where string, arg any) (*transactions.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	tx, err := scanTransaction(s.Pool.QueryRow(queryCtx, `SELECT `+transactionColumns+` FROM transactions `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, apperr.E(apperr.TransactionNotFound, op, fmt.Errorf("transaction %v", arg))
		}
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

func (s *TransactionStore) list(ctx context.Context, query string, args ...any) ([]*transactions.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, query, args...)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*transactions.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*transactions.Transaction, error) {
	var (
		tx            transactions.Transaction
		typ, status   string
		amount, meta  string
		fee, from, to *string
	)
	err := row.Scan(&tx.ID, &tx.Signature, &typ, &status, &amount, &tx.TokenMint, &fee,
		&tx.BlockNumber, &tx.BlockTime, &tx.Memo, &meta, &from, &to, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = transactions.Type(typ)
	tx.Status = transactions.Status(status)
	if tx.Amount, err = store.ParseDecimal(amount); err != nil {
		return nil, err
	}
	if tx.Fee, err = store.ParseDecimalPtr(fee); err != nil {
		return nil, err
	}
	if tx.Metadata, err = store.DecodeMetadata(meta); err != nil {
		return nil, err
	}
	if from != nil {
		tx.FromWalletID = *from
	}
	if to != nil {
		tx.ToWalletID = *to
	}
	return &tx, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
