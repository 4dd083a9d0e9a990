package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of fractional digits of SOL (lamports).
const NativeDecimals = 9

// LamportsToSOL converts an integer lamport amount to SOL without rounding.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -NativeDecimals)
}

// SOLToLamports converts a SOL amount to lamports. Amounts with more than
// nine fractional digits or below zero are rejected.
func SOLToLamports(sol decimal.Decimal) (uint64, error) {
	if sol.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", sol)
	}
	shifted := sol.Shift(NativeDecimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d fractional digits", sol, NativeDecimals)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", sol)
	}
	return bi.Uint64(), nil
}

// TokenUnits converts a raw integer token amount to display units using the
// mint's decimals.
func TokenUnits(raw string, decimals int) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse token amount %q: %w", raw, err)
	}
	return d.Shift(-int32(decimals)), nil
}
