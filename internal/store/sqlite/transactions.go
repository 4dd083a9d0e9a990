package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/transactions"
)

const transactionColumns = `id, signature, type, status, amount, token_mint, fee, block_number,
	block_time, memo, metadata, from_wallet_id, to_wallet_id, created_at, updated_at`

// TransactionStore is the SQLite transactions.Store.
type TransactionStore struct {
	db *sql.DB
}

var _ transactions.Store = (*TransactionStore)(nil)

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
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

	_, err = s.db.ExecContext(queryCtx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.Signature, string(tx.Type), string(tx.Status), store.FormatDecimal(tx.Amount),
		tx.TokenMint, store.FormatDecimalPtr(tx.Fee), tx.BlockNumber, nullableTime(tx.BlockTime),
		tx.Memo, meta, nullable(tx.FromWalletID), nullable(tx.ToWalletID),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "transactions.signature") {
			return fmt.Errorf("insert transaction %s: %w", tx.Signature, transactions.ErrDuplicateSignature)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) FindByID(ctx context.Context, id string) (*transactions.Transaction, error) {
	return s.findOne(ctx, "sqlite.TransactionStore.FindByID", `WHERE id = ?`, id)
}

func (s *TransactionStore) FindBySignature(ctx context.Context, signature string) (*transactions.Transaction, error) {
	return s.findOne(ctx, "sqlite.TransactionStore.FindBySignature", `WHERE signature = ?`, signature)
}

func (s *TransactionStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*transactions.Transaction, error) {
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE from_wallet_id = ? OR to_wallet_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, walletID, walletID, store.Limit(limit))
}

func (s *TransactionStore) ListPending(ctx context.Context, limit int) ([]*transactions.Transaction, error) {
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC LIMIT ?`, store.Limit(limit))
}

// UpdateStatus is a conditional UPDATE on status = 'pending'. Metadata is
// merged with json_patch.
func (s *TransactionStore) UpdateStatus(ctx context.Context, id string, upd transactions.StatusUpdate) (*transactions.Transaction, error) {
	const op = "sqlite.TransactionStore.UpdateStatus"
	if err := transactions.CheckTransition(id, transactions.StatusPending, upd.Status); err != nil {
		return nil, err
	}
	meta, err := store.EncodeMetadata(upd.Metadata)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `
		UPDATE transactions SET
			status = ?,
			block_number = COALESCE(?, block_number),
			block_time = COALESCE(?, block_time),
			fee = COALESCE(?, fee),
			metadata = json_patch(metadata, ?),
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(upd.Status), upd.BlockNumber, nullableTime(upd.BlockTime), store.FormatDecimalPtr(upd.Fee),
		meta, formatTime(store.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return current, nil
	}
	if terr := transactions.CheckTransition(id, current.Status, upd.Status); terr != nil {
		return nil, terr
	}
	return nil, apperr.Errorf(apperr.InvalidStateTransition, op, "record changed concurrently")
}

func (s *TransactionStore) findOne(ctx context.Context, op, where string, arg any) (*transactions.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	tx, err := scanTransaction(s.db.QueryRowContext(queryCtx, `SELECT `+transactionColumns+` FROM transactions `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.TransactionNotFound, op, fmt.Errorf("transaction %v", arg))
		}
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

func (s *TransactionStore) list(ctx context.Context, query string, args ...any) ([]*transactions.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, store.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, query, args...)
	if err != nil {
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
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row scanner) (*transactions.Transaction, error) {
	var (
		tx                   transactions.Transaction
		typ, status          string
		amount, meta         string
		fee, blockTime       sql.NullString
		from, to             sql.NullString
		blockNumber          sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&tx.ID, &tx.Signature, &typ, &status, &amount, &tx.TokenMint, &fee, &blockNumber,
		&blockTime, &tx.Memo, &meta, &from, &to, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = transactions.Type(typ)
	tx.Status = transactions.Status(status)
	tx.FromWalletID = from.String
	tx.ToWalletID = to.String
	if blockNumber.Valid {
		tx.BlockNumber = &blockNumber.Int64
	}
	if tx.Amount, err = store.ParseDecimal(amount); err != nil {
		return nil, err
	}
	if fee.Valid {
		if tx.Fee, err = store.ParseDecimalPtr(&fee.String); err != nil {
			return nil, err
		}
	}
	if blockTime.Valid {
		t, err := parseTime(blockTime.String)
		if err != nil {
			return nil, err
		}
		tx.BlockTime = &t
	}
	if tx.Metadata, err = store.DecodeMetadata(meta); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
