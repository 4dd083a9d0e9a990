package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/circuitbreaker"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"deadline", fmt.Errorf("http request: %w", context.DeadlineExceeded), apperr.LedgerUnavailable},
		{"breaker open", circuitbreaker.ErrOpen, apperr.LedgerUnavailable},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, apperr.LedgerUnavailable},
		{"http 429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, apperr.LedgerUnavailable},
		{"http 502", &HTTPStatusError{StatusCode: http.StatusBadGateway}, apperr.LedgerUnavailable},
		{"http 401", &HTTPStatusError{StatusCode: http.StatusUnauthorized}, apperr.LedgerRejected},
		{"internal error", &RPCError{Code: codeInternal, Message: "Internal error"}, apperr.LedgerUnavailable},
		{"node unhealthy", &RPCError{Code: codeNodeUnhealthy, Message: "Node is behind by 42 slots"}, apperr.LedgerUnavailable},
		{"server range", &RPCError{Code: -32007, Message: "Slot skipped"}, apperr.LedgerUnavailable},
		{"preflight", &RPCError{Code: codeSendTxPreflightFailure, Message: "Transaction simulation failed"}, apperr.LedgerRejected},
		{"sig verify", &RPCError{Code: codeSignatureVerifyFailure, Message: "signature verification failure"}, apperr.LedgerRejected},
		{"invalid params", &RPCError{Code: codeInvalidParams, Message: "Invalid param"}, apperr.LedgerRejected},
		{"unknown code rate limited", &RPCError{Code: 429, Message: "Too many requests"}, apperr.LedgerUnavailable},
		{"unknown code", &RPCError{Code: 7, Message: "nope"}, apperr.LedgerRejected},
		{"message insufficient funds", errors.New("insufficient funds for fee"), apperr.LedgerRejected},
		{"unknown transport", errors.New("unmarshal response: unexpected end of JSON input"), apperr.LedgerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestIsAccountNotFound(t *testing.T) {
	err := apperr.E(apperr.LedgerRejected, "ledger.getTokenAccountBalance",
		&RPCError{Code: codeInvalidParams, Message: "Invalid param: could not find account"})
	assert.True(t, isAccountNotFound(err))
	assert.False(t, isAccountNotFound(&RPCError{Code: codeInvalidParams, Message: "Invalid param: WrongSize"}))
	assert.False(t, isAccountNotFound(errors.New("could not find account")))
}

func TestMeetsCommitment(t *testing.T) {
	assert.True(t, meetsCommitment("finalized", CommitmentConfirmed))
	assert.True(t, meetsCommitment("confirmed", CommitmentConfirmed))
	assert.False(t, meetsCommitment("processed", CommitmentConfirmed))
	assert.False(t, meetsCommitment("", CommitmentProcessed))
	assert.True(t, meetsCommitment("processed", CommitmentProcessed))
}

func TestUnits(t *testing.T) {
	assert.Equal(t, "2.500000000", LamportsToSOL(2_500_000_000).StringFixed(NativeDecimals))
	assert.Equal(t, "18446744073.709551615", LamportsToSOL(^uint64(0)).String())

	l, err := SOLToLamports(decimal.RequireFromString("1.000000001"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_001), l)

	_, err = SOLToLamports(decimal.RequireFromString("0.0000000001"))
	assert.Error(t, err)
	_, err = SOLToLamports(decimal.RequireFromString("-1"))
	assert.Error(t, err)

	amt, err := TokenUnits("123456", 3)
	require.NoError(t, err)
	assert.Equal(t, "123.456", amt.String())

	_, err = TokenUnits("12x", 0)
	assert.Error(t, err)
}

func TestParseNetworkAndCommitment(t *testing.T) {
	n, err := ParseNetwork("mainnet-beta")
	require.NoError(t, err)
	assert.Equal(t, MainnetBeta, n)
	_, err = ParseNetwork("localnet")
	assert.Error(t, err)

	c, err := ParseCommitment("finalized")
	require.NoError(t, err)
	assert.Equal(t, CommitmentFinalized, c)
	_, err = ParseCommitment("max")
	assert.Error(t, err)
}
