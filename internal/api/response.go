package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Invalid, apperr.InvalidAddress:
		return http.StatusBadRequest
	case apperr.WalletNotFound, apperr.TransactionNotFound:
		return http.StatusNotFound
	case apperr.DuplicateWallet, apperr.InvalidStateTransition:
		return http.StatusConflict
	case apperr.LedgerRejected:
		return http.StatusUnprocessableEntity
	case apperr.LedgerUnavailable:
		return http.StatusServiceUnavailable
	case apperr.BalanceRefreshFailed, apperr.TokenBalanceQueryFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err with its kind's status and code. Internal errors
// are logged and their message withheld.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusBadGateway && apperr.Retryable(err) {
		status = http.StatusServiceUnavailable
	}
	if kind == apperr.Internal {
		h.logger.Error("request failed",
			"cid", security.CorrelationIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		security.WriteJSONError(w, r, status, kind.String())
		return
	}
	security.WriteJSONErrorMessage(w, r, status, kind.String(), err.Error())
}
