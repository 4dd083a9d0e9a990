package ledger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/circuitbreaker"
)

// Solana JSON-RPC error codes that mean the node refused the request itself
// rather than failing to serve it.
const (
	codeInvalidRequest         = -32600
	codeMethodNotFound         = -32601
	codeInvalidParams          = -32602
	codeInternal               = -32603
	codeSendTxPreflightFailure = -32002
	codeSignatureVerifyFailure = -32003
	codeNodeUnhealthy          = -32005
	codeSignatureLenMismatch   = -32013
	codeUnsupportedTxVersion   = -32015
	serverErrorRangeLow        = -32099
	serverErrorRangeHigh       = -32000
)

var terminalMessageTokens = []string{
	"invalid param",
	"invalid request",
	"method not found",
	"transaction simulation failed",
	"signature verification",
	"blockhash not found",
	"insufficient funds",
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"node is behind",
	"unhealthy",
}

// classify maps a transport or RPC failure to LedgerUnavailable (safe to
// retry) or LedgerRejected (the node refused the request).
func classify(err error) apperr.Kind {
	if errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return apperr.LedgerUnavailable
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCCode(rpcErr.Code, rpcErr.Message)
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return apperr.LedgerUnavailable
		}
		return apperr.LedgerRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.LedgerUnavailable
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return apperr.LedgerRejected
	}
	// Undecodable responses and unknown transport failures are retried.
	return apperr.LedgerUnavailable
}

func classifyRPCCode(code int, msg string) apperr.Kind {
	switch code {
	case codeInvalidRequest, codeMethodNotFound, codeInvalidParams,
		codeSendTxPreflightFailure, codeSignatureVerifyFailure,
		codeSignatureLenMismatch, codeUnsupportedTxVersion:
		return apperr.LedgerRejected
	case codeInternal, codeNodeUnhealthy:
		return apperr.LedgerUnavailable
	}
	if code >= serverErrorRangeLow && code <= serverErrorRangeHigh {
		return apperr.LedgerUnavailable
	}
	lower := strings.ToLower(msg)
	if containsAny(lower, transientMessageTokens) {
		return apperr.LedgerUnavailable
	}
	return apperr.LedgerRejected
}

// isAccountNotFound matches the node's answer for a token account that was
// never created.
func isAccountNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeInvalidParams &&
		strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
