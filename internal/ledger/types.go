package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Network identifies the Solana cluster the adapter talks to.
type Network string

const (
	MainnetBeta Network = "mainnet-beta"
	Devnet      Network = "devnet"
	Testnet     Network = "testnet"
)

func (n Network) Valid() bool {
	switch n {
	case MainnetBeta, Devnet, Testnet:
		return true
	}
	return false
}

// ParseNetwork accepts the cluster names used in SOLANA_NETWORK.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown solana network %q", s)
	}
	return n, nil
}

// Commitment is the depth at which the ledger considers a state final.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	}
	return 0
}

func (c Commitment) Valid() bool { return c.rank() > 0 }

// ParseCommitment accepts processed, confirmed or finalized.
func ParseCommitment(s string) (Commitment, error) {
	c := Commitment(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown commitment %q", s)
	}
	return c, nil
}

// meetsCommitment reports whether an observed confirmation status is at least
// as deep as want.
func meetsCommitment(observed string, want Commitment) bool {
	got := Commitment(observed).rank()
	return got > 0 && got >= want.rank()
}

// HistoryEntry is one transaction from the ledger's history for an address,
// newest first.
type HistoryEntry struct {
	Signature          string           `json:"signature"`
	Slot               int64            `json:"slot"`
	BlockTime          *time.Time       `json:"block_time,omitempty"`
	ConfirmationStatus string           `json:"confirmation_status,omitempty"`
	Memo               string           `json:"memo,omitempty"`
	Err                any              `json:"err,omitempty"`
	Fee                *decimal.Decimal `json:"fee,omitempty"`
	Transaction        json.RawMessage  `json:"transaction,omitempty"`
}

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Signature string `json:"signature"`
	// Observed is false when the ledger has no record of the signature.
	Observed           bool   `json:"observed"`
	ConfirmationStatus string `json:"confirmation_status,omitempty"`
	// Settled is true once ConfirmationStatus reaches the adapter's commitment.
	Settled   bool             `json:"settled"`
	Slot      int64            `json:"slot,omitempty"`
	BlockTime *time.Time       `json:"block_time,omitempty"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
	Err       any              `json:"err,omitempty"`
}

// Failed reports whether the ledger executed the transaction with an error.
func (s *SignatureStatus) Failed() bool {
	return s != nil && s.Observed && s.Err != nil
}

// Blockhash is a recent blockhash usable for building transactions.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
	Slot                 int64  `json:"slot"`
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Err           any      `json:"err,omitempty"`
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed uint64   `json:"units_consumed,omitempty"`
}

// wire types

type contextSlot struct {
	Slot int64 `json:"slot"`
}

type balanceResult struct {
	Context contextSlot `json:"context"`
	Value   uint64      `json:"value"`
}

type tokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int    `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

type tokenBalanceResult struct {
	Context contextSlot `json:"context"`
	Value   tokenAmount `json:"value"`
}

type signatureInfo struct {
	Signature          string  `json:"signature"`
	Slot               int64   `json:"slot"`
	BlockTime          *int64  `json:"blockTime"`
	Err                any     `json:"err"`
	Memo               *string `json:"memo"`
	ConfirmationStatus *string `json:"confirmationStatus"`
}

type transactionResult struct {
	Slot        int64           `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Transaction json.RawMessage `json:"transaction"`
	Meta        *struct {
		Err any    `json:"err"`
		Fee uint64 `json:"fee"`
	} `json:"meta"`
}

type signatureStatusValue struct {
	Slot               int64   `json:"slot"`
	Confirmations      *int64  `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus *string `json:"confirmationStatus"`
}

type signatureStatusesResult struct {
	Context contextSlot             `json:"context"`
	Value   []*signatureStatusValue `json:"value"`
}

type blockhashResult struct {
	Context contextSlot `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type simulateResult struct {
	Context contextSlot `json:"context"`
	Value   struct {
		Err           any      `json:"err"`
		Logs          []string `json:"logs"`
		UnitsConsumed *uint64  `json:"unitsConsumed"`
	} `json:"value"`
}

func unixTime(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
