// Package store holds helpers shared by the postgres and sqlite record
// stores.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits persisted for amounts.
const Scale = 9

// QueryTimeout bounds every store statement.
const QueryTimeout = 5 * time.Second

const (
	// DefaultListLimit applies when a caller passes a non-positive limit.
	DefaultListLimit = 10
	// MaxListLimit caps a single list query, matching the ledger's
	// signature history page.
	MaxListLimit = 1000
)

// NewID returns a fresh record id.
func NewID() string { return uuid.NewString() }

// Now returns the current time truncated to microseconds, the resolution
// both databases keep.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// FormatDecimal renders d with exactly Scale fractional digits.
func FormatDecimal(d decimal.Decimal) string { return d.StringFixed(Scale) }

// FormatDecimalPtr is FormatDecimal for optional amounts.
func FormatDecimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := FormatDecimal(*d)
	return &s
}

// ParseDecimal parses a stored amount.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored amount %q: %w", s, err)
	}
	return d, nil
}

// ParseDecimalPtr parses an optional stored amount.
func ParseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := ParseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// EncodeMetadata marshals metadata to a JSON object, "{}" when empty.
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata unmarshals a stored JSON object. Empty objects decode to nil.
func DecodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" || s == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// Limit normalizes a caller-supplied list limit into
// [1, MaxListLimit].
func Limit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	}
	return n
}
