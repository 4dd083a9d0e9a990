package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/walletrecon/internal/auth"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/query"
	"github.com/example/walletrecon/internal/reconcile"
	"github.com/example/walletrecon/internal/security"
	"github.com/example/walletrecon/internal/store"
	"github.com/example/walletrecon/internal/wallets"
)

const maxListLimit = store.MaxListLimit

type handlers struct {
	engine Engine
	query  Query
	logger *slog.Logger
}

type registerWalletRequest struct {
	Address        string `json:"address"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	PublicKey      string `json:"public_key"`
	DerivationPath string `json:"derivation_path"`
}

type updateWalletRequest struct {
	Address        *string `json:"address"`
	Type           *string `json:"type"`
	Name           *string `json:"name"`
	PublicKey      *string `json:"public_key"`
	DerivationPath *string `json:"derivation_path"`
	IsActive       *bool   `json:"is_active"`
	IsVerified     *bool   `json:"is_verified"`
}

func (req updateWalletRequest) patch() wallets.Patch {
	p := wallets.Patch{
		Address:        req.Address,
		Name:           req.Name,
		PublicKey:      req.PublicKey,
		DerivationPath: req.DerivationPath,
		IsActive:       req.IsActive,
		IsVerified:     req.IsVerified,
	}
	if req.Type != nil {
		t := wallets.Type(*req.Type)
		p.Type = &t
	}
	return p
}

type walletResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Wallet        *wallets.Wallet `json:"wallet"`
	RefreshError  string          `json:"refresh_error,omitempty"`
}

type walletListResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Wallets       []*wallets.Wallet `json:"wallets"`
}

type tokenBalanceResponse struct {
	CorrelationID string          `json:"correlation_id"`
	WalletID      string          `json:"wallet_id"`
	Mint          string          `json:"mint"`
	Balance       decimal.Decimal `json:"balance"`
}

type snapshotResponse struct {
	CorrelationID string `json:"correlation_id"`
	*query.Snapshot
}

type historyResponse struct {
	CorrelationID string `json:"correlation_id"`
	*query.History
}

type ledgerHistoryResponse struct {
	CorrelationID string                `json:"correlation_id"`
	WalletID      string                `json:"wallet_id"`
	Entries       []ledger.HistoryEntry `json:"entries"`
}

func cid(r *http.Request) string { return security.CorrelationIDFromContext(r.Context()) }

// requireOwner limits /user/{userID} routes to that user unless the caller
// holds the admin scope.
func (h *handlers) requireOwner(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := auth.AuthInfoFromContext(r.Context())
			if !ok {
				security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if ai.Subject != chi.URLParam(r, "userID") && !ai.HasScope("admin") {
				security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseLimit reads ?limit=. Missing means zero, so callees apply their
// default.
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, false
	}
	return n, true
}

func parseBoolParam(r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, true
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func (h *handlers) registerWallet(w http.ResponseWriter, r *http.Request) {
	var req registerWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	reg, err := h.engine.RegisterWallet(r.Context(), reconcile.RegisterWalletInput{
		UserID:         chi.URLParam(r, "userID"),
		Address:        req.Address,
		Type:           wallets.Type(req.Type),
		Name:           req.Name,
		PublicKey:      req.PublicKey,
		DerivationPath: req.DerivationPath,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := walletResponse{CorrelationID: cid(r), Wallet: reg.Wallet}
	if reg.RefreshErr != nil {
		resp.RefreshError = reg.RefreshErr.Error()
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

func (h *handlers) listUserWallets(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.WalletsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*wallets.Wallet{}
	}
	writeJSON(w, r, http.StatusOK, walletListResponse{CorrelationID: cid(r), Wallets: list})
}

func (h *handlers) walletByAddress(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.WalletByAddress(r.Context(), chi.URLParam(r, "address")))
}

func (h *handlers) getWallet(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.Wallet(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) updateWallet(w http.ResponseWriter, r *http.Request) {
	var req updateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	h.respondWallet(w, r)(h.engine.UpdateWallet(r.Context(), chi.URLParam(r, "id"), req.patch()))
}

func (h *handlers) deleteWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteWallet(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) refreshBalance(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.RefreshBalance(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) verifyWallet(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.Verify(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) activateWallet(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.Activate(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) deactivateWallet(w http.ResponseWriter, r *http.Request) {
	h.respondWallet(w, r)(h.engine.Deactivate(r.Context(), chi.URLParam(r, "id")))
}

// respondWallet adapts a (wallet, error) result into a response.
func (h *handlers) respondWallet(w http.ResponseWriter, r *http.Request) func(*wallets.Wallet, error) {
	return func(wl *wallets.Wallet, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, walletResponse{CorrelationID: cid(r), Wallet: wl})
	}
}

func (h *handlers) tokenBalance(w http.ResponseWriter, r *http.Request) {
	id, mint := chi.URLParam(r, "id"), chi.URLParam(r, "mint")
	bal, err := h.engine.TokenBalance(r.Context(), id, mint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenBalanceResponse{CorrelationID: cid(r), WalletID: id, Mint: mint, Balance: bal})
}

func (h *handlers) walletSnapshot(w http.ResponseWriter, r *http.Request) {
	fresh, ok := parseBoolParam(r, "fresh")
	if !ok {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "fresh must be a boolean")
		return
	}
	snap, err := h.query.WalletSnapshot(r.Context(), chi.URLParam(r, "id"), fresh)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
}

func (h *handlers) walletTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
		return
	}
	crossCheck, ok := parseBoolParam(r, "cross_check")
	if !ok {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "cross_check must be a boolean")
		return
	}
	hist, err := h.query.TransactionHistory(r.Context(), chi.URLParam(r, "id"), query.HistoryOptions{Limit: limit, CrossCheck: crossCheck})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, historyResponse{CorrelationID: cid(r), History: hist})
}

func (h *handlers) ledgerHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
		return
	}
	id := chi.URLParam(r, "id")
	entries, err := h.query.LedgerHistory(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ledgerHistoryResponse{CorrelationID: cid(r), WalletID: id, Entries: entries})
}
