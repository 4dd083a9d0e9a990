// Package sqlite implements the wallet and transaction record stores on
// SQLite. It backs single-node deployments and the test suites.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	id              TEXT PRIMARY KEY,
	address         TEXT NOT NULL,
	type            TEXT NOT NULL CHECK (type IN ('solana', 'phantom', 'solflare', 'backpack')),
	name            TEXT NOT NULL DEFAULT '',
	is_active       INTEGER NOT NULL DEFAULT 1,
	is_verified     INTEGER NOT NULL DEFAULT 0,
	balance         TEXT NOT NULL DEFAULT '0.000000000',
	public_key      TEXT NOT NULL DEFAULT '',
	derivation_path TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (address, user_id)
);

CREATE INDEX IF NOT EXISTS idx_wallets_user_created ON wallets (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_wallets_address ON wallets (address);

CREATE TABLE IF NOT EXISTS transactions (
	id             TEXT PRIMARY KEY,
	signature      TEXT NOT NULL UNIQUE,
	type           TEXT NOT NULL CHECK (type IN ('transfer', 'swap', 'stake', 'unstake', 'token_transfer')),
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'confirmed', 'failed', 'cancelled')),
	amount         TEXT NOT NULL,
	token_mint     TEXT NOT NULL DEFAULT '',
	fee            TEXT,
	block_number   INTEGER,
	block_time     TEXT,
	memo           TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	from_wallet_id TEXT REFERENCES wallets (id) ON DELETE SET NULL,
	to_wallet_id   TEXT REFERENCES wallets (id) ON DELETE SET NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_from_wallet ON transactions (from_wallet_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_to_wallet ON transactions (to_wallet_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status, created_at);

CREATE TRIGGER IF NOT EXISTS trg_transactions_guard_terminal
BEFORE UPDATE OF status, amount, fee, block_number, block_time, metadata, signature ON transactions
WHEN OLD.status <> 'pending'
BEGIN
	SELECT RAISE(ABORT, 'terminal transaction is immutable');
END;
`

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Open opens path with foreign keys enabled. In-memory databases are pinned
// to one connection so every statement sees the same data.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), column)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
