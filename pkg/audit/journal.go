// Package audit keeps a tamper-evident journal of reconciliation events.
// Each entry carries the hash of its predecessor, so any edit or deletion
// inside an exported journal breaks verification.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// EventType names what happened.
type EventType string

const (
	WalletRegistered   EventType = "wallet.registered"
	WalletUpdated      EventType = "wallet.updated"
	WalletDeleted      EventType = "wallet.deleted"
	BalanceRefreshed   EventType = "wallet.balance_refreshed"
	TransferSubmitted  EventType = "transaction.submitted"
	TransactionSettled EventType = "transaction.status_changed"
)

// Event is the payload recorded for one state change.
type Event struct {
	Type          EventType      `json:"type"`
	WalletID      string         `json:"wallet_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	From          string         `json:"from,omitempty"`
	To            string         `json:"to,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Entry is one link of the chain.
type Entry struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Payload      json.RawMessage `json:"payload"`
	Hash         string          `json:"hash"`
}

// Journal appends entries to a sink as JSON lines.
type Journal struct {
	mu           sync.Mutex
	w            io.Writer
	previousHash string
	now          func() time.Time
}

// NewJournal writes to w, continuing the chain after previousHash. An empty
// previousHash starts a new chain.
func NewJournal(w io.Writer, previousHash string) *Journal {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	return &Journal{w: w, previousHash: previousHash, now: time.Now}
}

// Record appends ev and returns the written entry.
func (j *Journal) Record(_ context.Context, ev Event) (*Entry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode audit event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		ID:           uuid.NewString(),
		Timestamp:    j.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: j.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write audit entry: %w", err)
	}
	j.previousHash = entry.Hash
	return entry, nil
}

// Head returns the hash of the last appended entry.
func (j *Journal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.previousHash
}

func entryHash(e *Entry) string {
	sum := sha256.Sum256([]byte(e.PreviousHash + "|" + e.ID + "|" + e.Timestamp + "|" + string(e.Payload)))
	return hex.EncodeToString(sum[:])
}

// ChainError reports the first entry that does not link or hash correctly.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.Index, e.Reason)
}

// Verify checks that entries form an unbroken chain. The first entry's
// previous hash is trusted as the anchor.
func Verify(entries []*Entry) error {
	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return &ChainError{Index: i, Reason: "previous hash mismatch"}
		}
		if entryHash(e) != e.Hash {
			return &ChainError{Index: i, Reason: "hash mismatch"}
		}
	}
	return nil
}

// ReadEntries decodes a JSON-lines journal.
func ReadEntries(r io.Reader) ([]*Entry, error) {
	var out []*Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("decode audit line %d: %w", line, err)
		}
		out = append(out, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}
	return out, nil
}

// OpenFile opens the journal at path for appending, continuing the chain
// after its last entry. A final line left incomplete by a crash mid-write
// is cut off; a journal that fails verification is not extended.
func OpenFile(path string) (*Journal, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit journal: %w", err)
	}
	j, err := resume(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("audit journal %s: %w", path, err)
	}
	return j, f, nil
}

func resume(f *os.File) (*Journal, error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}
	if n := len(raw); n > 0 && raw[n-1] != '\n' {
		keep := bytes.LastIndexByte(raw, '\n') + 1
		if json.Valid(raw[keep:]) {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return nil, fmt.Errorf("terminate audit journal: %w", err)
			}
		} else {
			if err := f.Truncate(int64(keep)); err != nil {
				return nil, fmt.Errorf("drop torn audit entry: %w", err)
			}
			raw = raw[:keep]
		}
	}

	entries, err := ReadEntries(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if err := Verify(entries); err != nil {
		return nil, err
	}
	head := ""
	if n := len(entries); n > 0 {
		head = entries[n-1].Hash
	}
	return NewJournal(f, head), nil
}
