// Package wallets holds the persisted wallet record and the store contract the
// reconciliation engine depends on.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAddressChanged is returned by Store.SetBalance when the stored address
// no longer matches the one the balance was read for.
var ErrAddressChanged = errors.New("wallet address changed since balance read")

// Type is the flavor of ledger account a wallet was registered as.
type Type string

const (
	TypeSolana   Type = "solana"
	TypePhantom  Type = "phantom"
	TypeSolflare Type = "solflare"
	TypeBackpack Type = "backpack"
)

// Valid reports whether t is one of the known wallet flavors.
func (t Type) Valid() bool {
	switch t {
	case TypeSolana, TypePhantom, TypeSolflare, TypeBackpack:
		return true
	}
	return false
}

// ParseType maps s to a Type. The empty string selects TypeSolana.
func ParseType(s string) (Type, error) {
	if s == "" {
		return TypeSolana, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown wallet type %q", s)
	}
	return t, nil
}

// Wallet is the locally stored view of a ledger account owned by a user.
// Balance is a cache of the last successful ledger read.
type Wallet struct {
	ID             string          `json:"id"`
	Address        string          `json:"address"`
	Type           Type            `json:"type"`
	Name           string          `json:"name,omitempty"`
	IsActive       bool            `json:"is_active"`
	IsVerified     bool            `json:"is_verified"`
	Balance        decimal.Decimal `json:"balance"`
	PublicKey      string          `json:"public_key,omitempty"`
	DerivationPath string          `json:"derivation_path,omitempty"`
	UserID         string          `json:"user_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Address        *string
	Type           *Type
	Name           *string
	IsActive       *bool
	IsVerified     *bool
	Balance        *decimal.Decimal
	PublicKey      *string
	DerivationPath *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Address == nil && p.Type == nil && p.Name == nil && p.IsActive == nil &&
		p.IsVerified == nil && p.Balance == nil && p.PublicKey == nil && p.DerivationPath == nil
}

// Apply copies the set fields of p onto w.
func (p Patch) Apply(w *Wallet) {
	if p.Address != nil {
		w.Address = *p.Address
	}
	if p.Type != nil {
		w.Type = *p.Type
	}
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.IsActive != nil {
		w.IsActive = *p.IsActive
	}
	if p.IsVerified != nil {
		w.IsVerified = *p.IsVerified
	}
	if p.Balance != nil {
		w.Balance = *p.Balance
	}
	if p.PublicKey != nil {
		w.PublicKey = *p.PublicKey
	}
	if p.DerivationPath != nil {
		w.DerivationPath = *p.DerivationPath
	}
}

// Store persists wallet records.
//
// Implementations enforce (address, user_id) uniqueness with a constraint and
// report a violation as apperr.DuplicateWallet, from both Create and Update.
// Lookups of a missing id report apperr.WalletNotFound.
type Store interface {
	// Create assigns ID and timestamps when empty and inserts w.
	Create(ctx context.Context, w *Wallet) error
	FindByID(ctx context.Context, id string) (*Wallet, error)
	// FindByAddress returns every record registered under address, any owner.
	FindByAddress(ctx context.Context, address string) ([]*Wallet, error)
	// FindByUser returns the user's wallets, newest first.
	FindByUser(ctx context.Context, userID string) ([]*Wallet, error)
	// Update applies patch in a single statement and returns the stored row.
	Update(ctx context.Context, id string, patch Patch) (*Wallet, error)
	// SetBalance stores balance only while the record still has address,
	// and reports ErrAddressChanged otherwise.
	SetBalance(ctx context.Context, id, address string, balance decimal.Decimal) (*Wallet, error)
	Delete(ctx context.Context, id string) error
}
