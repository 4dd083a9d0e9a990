// Package transactions holds the transfer-attempt record, its status machine
// and the store contract used by the reconciliation engine.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicateSignature is returned by Store.Create when a record with the
// same ledger signature already exists.
var ErrDuplicateSignature = errors.New("transaction signature already recorded")

// Type is the kind of transfer a record represents.
type Type string

const (
	TypeTransfer      Type = "transfer"
	TypeSwap          Type = "swap"
	TypeStake         Type = "stake"
	TypeUnstake       Type = "unstake"
	TypeTokenTransfer Type = "token_transfer"
)

// ParseType maps s to a Type. The empty string selects TypeTransfer.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return TypeTransfer, nil
	case TypeTransfer, TypeSwap, TypeStake, TypeUnstake, TypeTokenTransfer:
		return t, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Transaction is a persisted transfer attempt. Signature never changes after
// the record is created.
type Transaction struct {
	ID           string           `json:"id"`
	Signature    string           `json:"signature"`
	Type         Type             `json:"type"`
	Status       Status           `json:"status"`
	Amount       decimal.Decimal  `json:"amount"`
	TokenMint    string           `json:"token_mint,omitempty"`
	Fee          *decimal.Decimal `json:"fee,omitempty"`
	BlockNumber  *int64           `json:"block_number,omitempty"`
	BlockTime    *time.Time       `json:"block_time,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	FromWalletID string           `json:"from_wallet_id"`
	ToWalletID   string           `json:"to_wallet_id"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// StatusUpdate describes a move out of pending. Metadata keys are merged
// into the stored metadata.
type StatusUpdate struct {
	Status      Status
	BlockNumber *int64
	BlockTime   *time.Time
	Fee         *decimal.Decimal
	Metadata    map[string]any
}

// Apply copies u onto tx.
func (u StatusUpdate) Apply(tx *Transaction) {
	tx.Status = u.Status
	if u.BlockNumber != nil {
		tx.BlockNumber = u.BlockNumber
	}
	if u.BlockTime != nil {
		tx.BlockTime = u.BlockTime
	}
	if u.Fee != nil {
		tx.Fee = u.Fee
	}
	if len(u.Metadata) > 0 {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			tx.Metadata[k] = v
		}
	}
}

// Store persists transaction records. Records are never deleted.
type Store interface {
	// Create assigns ID and timestamps when empty and inserts tx.
	Create(ctx context.Context, tx *Transaction) error
	FindByID(ctx context.Context, id string) (*Transaction, error)
	FindBySignature(ctx context.Context, signature string) (*Transaction, error)
	// ListByWallet returns records where walletID is source or destination,
	// newest first.
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	// ListPending returns the oldest pending records first.
	ListPending(ctx context.Context, limit int) ([]*Transaction, error)
	// UpdateStatus applies upd only while the stored status is still
	// pending (compare-and-set). A record that already left pending is
	// reported as apperr.InvalidStateTransition and left untouched.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*Transaction, error)
}
