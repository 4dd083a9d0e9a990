// Package app assembles the reconciliation core from configuration. Both
// binaries share it so they always run against the same stores and ledger
// settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/walletrecon/internal/config"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/query"
	"github.com/example/walletrecon/internal/reconcile"
	"github.com/example/walletrecon/internal/store/postgres"
	"github.com/example/walletrecon/internal/store/sqlite"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
	"github.com/example/walletrecon/pkg/audit"
)

type App struct {
	Ledger       *ledger.Adapter
	Wallets      wallets.Store
	Transactions transactions.Store
	Engine       *reconcile.Engine
	Query        *query.Facade

	closers []func() error
}

// Build opens the configured store, applies its schema and wires the
// engine and façade over a live ledger adapter.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	switch cfg.DatabaseDriver {
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		a.Wallets = postgres.NewWalletStore(pool)
		a.Transactions = postgres.NewTransactionStore(pool)
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := sqlite.Migrate(ctx, db); err != nil {
			return nil, err
		}
		a.Wallets = sqlite.NewWalletStore(db)
		a.Transactions = sqlite.NewTransactionStore(db)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	a.Ledger, err = ledger.New(cfg.AdapterConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("ledger adapter: %w", err)
	}

	opts := []reconcile.Option{reconcile.WithLogger(logger)}
	if cfg.AuditLog != "" {
		j, c, err := audit.OpenFile(cfg.AuditLog)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		opts = append(opts, reconcile.WithAuditor(j))
	}

	a.Engine = reconcile.New(a.Ledger, a.Wallets, a.Transactions, opts...)
	a.Query = query.New(a.Ledger, a.Wallets, a.Transactions, logger)

	logger.Info("reconciliation core ready",
		"database", cfg.DatabaseDriver,
		"network", string(a.Ledger.Network()),
		"commitment", string(a.Ledger.Commitment()),
		"audit", cfg.AuditLog != "")
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
