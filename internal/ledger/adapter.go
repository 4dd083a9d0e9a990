// Package ledger is the boundary to the Solana network. The Adapter speaks
// JSON-RPC 2.0 to a single node and converts every failure into either
// apperr.LedgerUnavailable or apperr.LedgerRejected.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/circuitbreaker"
	"github.com/example/walletrecon/internal/metrics"
)

const (
	defaultCallTimeout  = 10 * time.Second
	defaultHistoryLimit = 10
	maxHistoryLimit     = 1000
)

// Client is the ledger capability consumed by the reconciliation engine and
// the query facade.
type Client interface {
	ValidateAddress(address string) bool
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetTokenBalance(ctx context.Context, walletAddress, mintAddress string) (decimal.Decimal, error)
	GetTransactionHistory(ctx context.Context, address string, limit int) (iter.Seq2[HistoryEntry, error], error)
	Submit(ctx context.Context, signedTx []byte) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)
	Simulate(ctx context.Context, tx []byte) (*SimulationResult, error)
}

// Config is the static connection configuration supplied at startup.
type Config struct {
	RPCURL      string
	Network     Network
	Commitment  Commitment
	ProgramID   string
	CallTimeout time.Duration
	// RateLimit is requests per second; zero disables client-side limiting.
	RateLimit  float64
	RateBurst  int
	Breaker    circuitbreaker.Config
	HTTPClient *http.Client
}

// Adapter implements Client against a Solana JSON-RPC endpoint.
type Adapter struct {
	rpc        *rpcClient
	network    Network
	commitment Commitment
	programID  *solana.PublicKey
	timeout    time.Duration
	limiter    *rate.Limiter
	breaker    *circuitbreaker.Breaker
	tracer     trace.Tracer
	logger     *slog.Logger
}

var _ Client = (*Adapter)(nil)

// New validates cfg and builds an Adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: rpc url is required")
	}
	if !cfg.Network.Valid() {
		return nil, fmt.Errorf("ledger: unknown network %q", cfg.Network)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if !cfg.Commitment.Valid() {
		return nil, fmt.Errorf("ledger: unknown commitment %q", cfg.Commitment)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	a := &Adapter{
		rpc:        &rpcClient{httpClient: httpClient, url: cfg.RPCURL},
		network:    cfg.Network,
		commitment: cfg.Commitment,
		timeout:    cfg.CallTimeout,
		tracer:     otel.Tracer("github.com/example/walletrecon/internal/ledger"),
		logger:     logger.With("component", "ledger", "network", string(cfg.Network)),
	}
	if cfg.ProgramID != "" {
		pk, err := solana.PublicKeyFromBase58(cfg.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid program id: %w", err)
		}
		a.programID = &pk
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	bcfg := cfg.Breaker
	onChange := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to circuitbreaker.State) {
		metrics.LedgerBreakerState.WithLabelValues(string(a.network)).Set(float64(to))
		a.logger.Warn("ledger circuit breaker state change", "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(from, to)
		}
	}
	a.breaker = circuitbreaker.New(bcfg)

	a.logger.Info("ledger adapter configured", "commitment", string(a.commitment))
	return a, nil
}

// Network returns the configured cluster.
func (a *Adapter) Network() Network { return a.network }

// Commitment returns the configured finality level.
func (a *Adapter) Commitment() Commitment { return a.commitment }

// ProgramID returns the optional program identifier, or "" when unset.
func (a *Adapter) ProgramID() string {
	if a.programID == nil {
		return ""
	}
	return a.programID.String()
}

// ValidateAddress reports whether address decodes to a 32-byte public key.
// It never fails.
func (a *Adapter) ValidateAddress(address string) bool {
	return ValidAddress(address)
}

// ValidAddress is the address format check used by the Adapter.
func ValidAddress(address string) bool {
	if address == "" {
		return false
	}
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// AssociatedTokenAddress derives the associated token account of wallet for
// mint.
func AssociatedTokenAddress(walletAddress, mintAddress string) (string, error) {
	owner, err := solana.PublicKeyFromBase58(walletAddress)
	if err != nil {
		return "", apperr.E(apperr.InvalidAddress, "ledger.AssociatedTokenAddress", err)
	}
	mint, err := solana.PublicKeyFromBase58(mintAddress)
	if err != nil {
		return "", apperr.E(apperr.InvalidAddress, "ledger.AssociatedTokenAddress", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", apperr.E(apperr.Internal, "ledger.AssociatedTokenAddress", err)
	}
	return ata.String(), nil
}

// GetBalance returns the native balance of address in SOL.
func (a *Adapter) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !ValidAddress(address) {
		return decimal.Zero, apperr.Errorf(apperr.InvalidAddress, "ledger.getBalance", "malformed address")
	}
	var res balanceResult
	params := []any{address, map[string]any{"commitment": a.commitment}}
	if err := a.call(ctx, "getBalance", params, &res); err != nil {
		return decimal.Zero, err
	}
	return LamportsToSOL(res.Value), nil
}

// GetTokenBalance returns the balance of the wallet's associated token account
// for mint. A missing token account yields zero.
func (a *Adapter) GetTokenBalance(ctx context.Context, walletAddress, mintAddress string) (decimal.Decimal, error) {
	ata, err := AssociatedTokenAddress(walletAddress, mintAddress)
	if err != nil {
		return decimal.Zero, err
	}
	var res tokenBalanceResult
	params := []any{ata, map[string]any{"commitment": a.commitment}}
	if err := a.call(ctx, "getTokenAccountBalance", params, &res); err != nil {
		if isAccountNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	amount, err := TokenUnits(res.Value.Amount, res.Value.Decimals)
	if err != nil {
		return decimal.Zero, apperr.E(apperr.LedgerRejected, "ledger.getTokenAccountBalance", err)
	}
	return amount, nil
}

// GetTransactionHistory fetches up to limit signatures for address, newest
// first, and returns a sequence that loads each transaction as it is
// consumed. The sequence can be ranged over once.
func (a *Adapter) GetTransactionHistory(ctx context.Context, address string, limit int) (iter.Seq2[HistoryEntry, error], error) {
	if !ValidAddress(address) {
		return nil, apperr.Errorf(apperr.InvalidAddress, "ledger.getSignaturesForAddress", "malformed address")
	}
	limit = clampHistoryLimit(limit)

	var sigs []signatureInfo
	params := []any{address, map[string]any{
		"limit":      limit,
		"commitment": a.readCommitment(),
	}}
	if err := a.call(ctx, "getSignaturesForAddress", params, &sigs); err != nil {
		return nil, err
	}
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return newHistory(ctx, sigs, a.getTransaction), nil
}

// Submit sends a signed, serialized transaction and returns its signature.
// A single status check follows submission; its result is only logged.
func (a *Adapter) Submit(ctx context.Context, signedTx []byte) (string, error) {
	const op = "ledger.sendTransaction"
	if len(signedTx) == 0 {
		return "", apperr.Errorf(apperr.Invalid, op, "empty transaction")
	}
	params := []any{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]any{
			"encoding":            "base64",
			"preflightCommitment": a.commitment,
		},
	}
	var sig string
	if err := a.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return "", apperr.E(apperr.LedgerRejected, op, fmt.Errorf("node returned malformed signature %q: %w", sig, err))
	}

	st, err := a.GetSignatureStatus(ctx, sig)
	if err != nil {
		a.logger.Debug("post-submit status check failed", "signature", sig, "error", err)
	} else {
		a.logger.Info("transaction submitted",
			"signature", sig, "observed", st.Observed, "confirmation_status", st.ConfirmationStatus)
	}
	return sig, nil
}

// GetSignatureStatus looks up signature, searching the full ledger history.
// Settled statuses carry block time and fee from the transaction itself.
func (a *Adapter) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, apperr.E(apperr.Invalid, "ledger.getSignatureStatuses", err)
	}

	var res signatureStatusesResult
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := a.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return nil, err
	}

	st := &SignatureStatus{Signature: signature}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return st, nil
	}
	v := res.Value[0]
	st.Observed = true
	st.Slot = v.Slot
	st.Err = v.Err
	switch {
	case v.ConfirmationStatus != nil:
		st.ConfirmationStatus = *v.ConfirmationStatus
	case v.Confirmations == nil:
		// rooted by the cluster
		st.ConfirmationStatus = string(CommitmentFinalized)
	}
	st.Settled = meetsCommitment(st.ConfirmationStatus, a.commitment)
	if !st.Settled {
		return st, nil
	}

	tx, err := a.getTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		st.BlockTime = unixTime(tx.BlockTime)
		if tx.Slot > 0 {
			st.Slot = tx.Slot
		}
		if tx.Meta != nil {
			fee := LamportsToSOL(tx.Meta.Fee)
			st.Fee = &fee
			if st.Err == nil {
				st.Err = tx.Meta.Err
			}
		}
	}
	return st, nil
}

// GetLatestBlockhash returns a recent blockhash at the configured commitment.
func (a *Adapter) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var res blockhashResult
	params := []any{map[string]any{"commitment": a.commitment}}
	if err := a.call(ctx, "getLatestBlockhash", params, &res); err != nil {
		return nil, err
	}
	return &Blockhash{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
		Slot:                 res.Context.Slot,
	}, nil
}

// Simulate dry-runs a serialized transaction. Signatures are not verified.
func (a *Adapter) Simulate(ctx context.Context, tx []byte) (*SimulationResult, error) {
	if len(tx) == 0 {
		return nil, apperr.Errorf(apperr.Invalid, "ledger.simulateTransaction", "empty transaction")
	}
	var res simulateResult
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{
			"encoding":               "base64",
			"commitment":             a.commitment,
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
		},
	}
	if err := a.call(ctx, "simulateTransaction", params, &res); err != nil {
		return nil, err
	}
	out := &SimulationResult{Err: res.Value.Err, Logs: res.Value.Logs}
	if res.Value.UnitsConsumed != nil {
		out.UnitsConsumed = *res.Value.UnitsConsumed
	}
	return out, nil
}

func (a *Adapter) getTransaction(ctx context.Context, signature string) (*transactionResult, error) {
	var res *transactionResult
	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
		"commitment":                     a.readCommitment(),
	}}
	if err := a.call(ctx, "getTransaction", params, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// readCommitment is the commitment for history reads, which the node only
// serves at confirmed or deeper.
func (a *Adapter) readCommitment() Commitment {
	if a.commitment == CommitmentProcessed {
		return CommitmentConfirmed
	}
	return a.commitment
}

// call runs one RPC through the breaker, the rate limiter and the per-call
// timeout, decodes the result into out and classifies any failure.
func (a *Adapter) call(ctx context.Context, method string, params []any, out any) error {
	op := "ledger." + method
	network := string(a.network)

	if err := a.breaker.Allow(); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(network, method, "unavailable").Inc()
		return apperr.E(apperr.LedgerUnavailable, op, err)
	}
	if err := a.wait(ctx); err != nil {
		a.breaker.Release()
		return apperr.E(apperr.LedgerUnavailable, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx, span := a.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("solana.network", network),
		))
	defer span.End()

	start := time.Now()
	raw, err := a.rpc.call(ctx, method, params)
	if err == nil && out != nil {
		if uerr := json.Unmarshal(raw, out); uerr != nil {
			err = fmt.Errorf("decode %s result: %w", method, uerr)
		}
	}
	metrics.LedgerCallLatency.WithLabelValues(network, method).Observe(time.Since(start).Seconds())

	if err == nil {
		a.breaker.RecordSuccess()
		metrics.LedgerCallsTotal.WithLabelValues(network, method, "ok").Inc()
		return nil
	}

	kind := classify(err)
	switch {
	case errors.Is(err, context.Canceled):
		// caller gave up; says nothing about node health
		a.breaker.Release()
	case kind == apperr.LedgerUnavailable:
		a.breaker.RecordFailure()
	default:
		a.breaker.RecordSuccess()
	}
	outcome := "rejected"
	if kind == apperr.LedgerUnavailable {
		outcome = "unavailable"
	}
	metrics.LedgerCallsTotal.WithLabelValues(network, method, outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	a.logger.Debug("ledger call failed", "method", method, "kind", kind.String(), "error", err)
	return apperr.E(kind, op, err)
}

// wait takes one limiter token, blocking until it is available or ctx ends.
func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	r := a.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate limiter cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.LedgerRateLimitWaits.WithLabelValues(string(a.network)).Inc()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func clampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}
