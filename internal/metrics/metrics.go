package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger adapter and reconciliation counters, partitioned by network.

var (
	// Ledger adapter
	LedgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletrecon",
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Total ledger RPC calls by method and outcome (ok, unavailable, rejected)",
	}, []string{"network", "method", "outcome"})

	LedgerCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletrecon",
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger RPC call duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"network", "method"})

	LedgerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletrecon",
		Subsystem: "ledger",
		Name:      "rate_limit_waits_total",
		Help:      "Ledger RPC calls delayed by the client-side rate limiter",
	}, []string{"network"})

	LedgerBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletrecon",
		Subsystem: "ledger",
		Name:      "breaker_state",
		Help:      "Ledger circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"network"})

	// Reconciliation engine
	EngineOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletrecon",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Engine operations by name and result kind",
	}, []string{"operation", "result"})

	TransactionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletrecon",
		Subsystem: "engine",
		Name:      "transaction_transitions_total",
		Help:      "Applied transaction status transitions",
	}, []string{"from", "to"})

	ConfirmationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletrecon",
		Subsystem: "engine",
		Name:      "confirmation_checks_total",
		Help:      "Confirmation checks by observed ledger outcome",
	}, []string{"outcome"})
)
