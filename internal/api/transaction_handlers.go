package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/reconcile"
	"github.com/example/walletrecon/internal/security"
	"github.com/example/walletrecon/internal/transactions"
)

type submitTransferRequest struct {
	FromWalletID      string         `json:"from_wallet_id"`
	ToWalletID        string         `json:"to_wallet_id"`
	Amount            string         `json:"amount"`
	Type              string         `json:"type"`
	TokenMint         string         `json:"token_mint"`
	Memo              string         `json:"memo"`
	Metadata          map[string]any `json:"metadata"`
	SignedTransaction string         `json:"signed_transaction"`
}

type transactionResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Transaction   *transactions.Transaction `json:"transaction"`

	// LedgerError is set when a confirmation check could not reach the
	// ledger; the record is returned unchanged.
	LedgerError string `json:"ledger_error,omitempty"`
}

func (h *handlers) submitTransfer(w http.ResponseWriter, r *http.Request) {
	var req submitTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "amount is not a decimal")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.SignedTransaction)
	if err != nil {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_request", "signed_transaction is not base64")
		return
	}

	tx, err := h.engine.SubmitTransfer(r.Context(), reconcile.TransferInput{
		FromWalletID: req.FromWalletID,
		ToWalletID:   req.ToWalletID,
		Amount:       amount,
		Type:         transactions.Type(req.Type),
		TokenMint:    req.TokenMint,
		Memo:         req.Memo,
		Metadata:     req.Metadata,
		SignedTx:     raw,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, transactionResponse{CorrelationID: cid(r), Transaction: tx})
}

func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	h.respondTransaction(w, r)(h.engine.Transaction(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) transactionBySignature(w http.ResponseWriter, r *http.Request) {
	h.respondTransaction(w, r)(h.engine.TransactionBySignature(r.Context(), chi.URLParam(r, "signature")))
}

// confirmTransaction reports a ledger outage alongside the unchanged
// record instead of failing the request.
func (h *handlers) confirmTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.engine.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil && tx != nil && apperr.Retryable(err) {
		writeJSON(w, r, http.StatusAccepted, transactionResponse{CorrelationID: cid(r), Transaction: tx, LedgerError: err.Error()})
		return
	}
	h.respondTransaction(w, r)(tx, err)
}

func (h *handlers) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	h.respondTransaction(w, r)(h.engine.Cancel(r.Context(), chi.URLParam(r, "id")))
}

func (h *handlers) respondTransaction(w http.ResponseWriter, r *http.Request) func(*transactions.Transaction, error) {
	return func(tx *transactions.Transaction, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionResponse{CorrelationID: cid(r), Transaction: tx})
	}
}
