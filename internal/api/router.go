package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/example/walletrecon/internal/auth"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/query"
	"github.com/example/walletrecon/internal/reconcile"
	"github.com/example/walletrecon/internal/security"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
)

// Engine is the write side the API drives.
type Engine interface {
	RegisterWallet(ctx context.Context, in reconcile.RegisterWalletInput) (*reconcile.Registration, error)
	RefreshBalance(ctx context.Context, walletID string) (*wallets.Wallet, error)
	TokenBalance(ctx context.Context, walletID, mint string) (decimal.Decimal, error)
	UpdateWallet(ctx context.Context, walletID string, patch wallets.Patch) (*wallets.Wallet, error)
	Verify(ctx context.Context, walletID string) (*wallets.Wallet, error)
	Activate(ctx context.Context, walletID string) (*wallets.Wallet, error)
	Deactivate(ctx context.Context, walletID string) (*wallets.Wallet, error)
	DeleteWallet(ctx context.Context, walletID string) error
	Wallet(ctx context.Context, walletID string) (*wallets.Wallet, error)
	WalletByAddress(ctx context.Context, address string) (*wallets.Wallet, error)
	WalletsByUser(ctx context.Context, userID string) ([]*wallets.Wallet, error)

	SubmitTransfer(ctx context.Context, in reconcile.TransferInput) (*transactions.Transaction, error)
	Confirm(ctx context.Context, id string) (*transactions.Transaction, error)
	Cancel(ctx context.Context, id string) (*transactions.Transaction, error)
	Transaction(ctx context.Context, id string) (*transactions.Transaction, error)
	TransactionBySignature(ctx context.Context, signature string) (*transactions.Transaction, error)
}

// Query is the read side the API serves.
type Query interface {
	WalletSnapshot(ctx context.Context, walletID string, fresh bool) (*query.Snapshot, error)
	TransactionHistory(ctx context.Context, walletID string, opts query.HistoryOptions) (*query.History, error)
	LedgerHistory(ctx context.Context, walletID string, limit int) ([]ledger.HistoryEntry, error)
}

var (
	_ Engine = (*reconcile.Engine)(nil)
	_ Query  = (*query.Facade)(nil)
)

type Dependencies struct {
	Logger *slog.Logger
	Engine Engine
	Query  Query

	// JWTValidator enables bearer authentication on /v1. Nil leaves the API
	// open, which config only allows outside production.
	JWTValidator *auth.JWTValidator
	RateLimiter  *security.RequestBudget
	MaxBodyBytes int64
	Metrics      http.Handler
}

const (
	scopeWalletsRead       = "wallets:read"
	scopeWalletsWrite      = "wallets:write"
	scopeTransactionsRead  = "transactions:read"
	scopeTransactionsWrite = "transactions:write"
)

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	registerV, err := security.NewJSONSchemaValidator(registerWalletSchema)
	if err != nil {
		return nil, err
	}
	updateV, err := security.NewJSONSchemaValidator(updateWalletSchema)
	if err != nil {
		return nil, err
	}
	transferV, err := security.NewJSONSchemaValidator(submitTransferSchema)
	if err != nil {
		return nil, err
	}

	h := &handlers{engine: deps.Engine, query: deps.Query, logger: deps.Logger.With("component", "api")}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	// scoped returns a sub-router requiring scope when auth is enabled.
	scoped := func(r chi.Router, scope string) chi.Router {
		if deps.JWTValidator == nil {
			return r
		}
		return r.With(auth.RequireScopes(onAuthError, scope))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.JWTValidator != nil {
			r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		}
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware(rateLimitKey, requestCost))
		}

		r.Route("/wallets", func(r chi.Router) {
			read := scoped(r, scopeWalletsRead)
			write := scoped(r, scopeWalletsWrite)

			write.With(h.requireOwner(deps.JWTValidator != nil), registerV.Middleware).Post("/user/{userID}", h.registerWallet)
			read.With(h.requireOwner(deps.JWTValidator != nil)).Get("/user/{userID}", h.listUserWallets)
			read.Get("/address/{address}", h.walletByAddress)

			read.Get("/{id}", h.getWallet)
			write.With(updateV.Middleware).Put("/{id}", h.updateWallet)
			write.Delete("/{id}", h.deleteWallet)
			write.Post("/{id}/update-balance", h.refreshBalance)
			write.Post("/{id}/verify", h.verifyWallet)
			write.Post("/{id}/activate", h.activateWallet)
			write.Post("/{id}/deactivate", h.deactivateWallet)

			read.Get("/{id}/token-balance/{mint}", h.tokenBalance)
			read.Get("/{id}/snapshot", h.walletSnapshot)
			read.Get("/{id}/transactions", h.walletTransactions)
			read.Get("/{id}/ledger-history", h.ledgerHistory)
		})

		r.Route("/transactions", func(r chi.Router) {
			read := scoped(r, scopeTransactionsRead)
			write := scoped(r, scopeTransactionsWrite)

			write.With(transferV.Middleware).Post("/", h.submitTransfer)
			read.Get("/signature/{signature}", h.transactionBySignature)
			read.Get("/{id}", h.getTransaction)
			write.Post("/{id}/confirm", h.confirmTransaction)
			write.Post("/{id}/cancel", h.cancelTransaction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

// rateLimitKey buckets authenticated callers by subject and everyone else
// by remote IP.
func rateLimitKey(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return "sub:" + ai.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

// ledgerCost is charged for requests that reach the Solana RPC endpoint.
const ledgerCost = 3

var ledgerSuffixes = []string{"/update-balance", "/ledger-history", "/confirm"}

func requestCost(r *http.Request) int {
	p := r.URL.Path
	switch {
	case r.Method == http.MethodPost && (strings.HasSuffix(p, "/transactions") || strings.HasSuffix(p, "/transactions/")):
		return ledgerCost
	case r.Method == http.MethodPost && strings.Contains(p, "/wallets/user/"):
		return ledgerCost
	case strings.Contains(p, "/token-balance/"):
		return ledgerCost
	case strings.HasSuffix(p, "/snapshot") && r.URL.Query().Get("fresh") == "true":
		return ledgerCost
	}
	for _, s := range ledgerSuffixes {
		if strings.HasSuffix(p, s) {
			return ledgerCost
		}
	}
	return 1
}
