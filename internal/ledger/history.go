package ledger

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
)

// ErrHistoryConsumed is yielded when a history sequence is ranged over a
// second time. Call GetTransactionHistory again for a fresh read.
var ErrHistoryConsumed = errors.New("ledger: transaction history already consumed")

type txFetcher func(ctx context.Context, signature string) (*transactionResult, error)

func newHistory(ctx context.Context, sigs []signatureInfo, fetch txFetcher) iter.Seq2[HistoryEntry, error] {
	var used atomic.Bool
	return func(yield func(HistoryEntry, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(HistoryEntry{}, ErrHistoryConsumed)
			return
		}
		for _, s := range sigs {
			entry := HistoryEntry{
				Signature: s.Signature,
				Slot:      s.Slot,
				BlockTime: unixTime(s.BlockTime),
				Err:       s.Err,
			}
			if s.ConfirmationStatus != nil {
				entry.ConfirmationStatus = *s.ConfirmationStatus
			}
			if s.Memo != nil {
				entry.Memo = *s.Memo
			}

			tx, err := fetch(ctx, s.Signature)
			if err != nil {
				yield(HistoryEntry{}, err)
				return
			}
			if tx != nil {
				entry.Transaction = tx.Transaction
				if tx.Meta != nil {
					fee := LamportsToSOL(tx.Meta.Fee)
					entry.Fee = &fee
				}
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// CollectHistory drains seq into a slice, stopping at the first error.
func CollectHistory(seq iter.Seq2[HistoryEntry, error]) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for entry, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}
