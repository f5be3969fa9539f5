// Package metrics exposes the Prometheus collectors shared by the ledger,
// reconciliation, bridge and infrastructure packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvoicesCreated tracks invoices created per chain and type
	InvoicesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_invoices_created_total",
			Help: "Total number of invoices created",
		},
		[]string{"chain", "type"},
	)

	// InvoicePayments tracks payments applied, labelled by resulting status
	InvoicePayments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_invoice_payments_total",
			Help: "Total number of payments applied to invoices",
		},
		[]string{"chain", "status"},
	)

	// BlocksScanned tracks blocks covered by reconciliation scans
	BlocksScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_reconcile_blocks_scanned_total",
			Help: "Total number of blocks scanned for transfers",
		},
		[]string{"chain"},
	)

	// TransfersRecorded tracks new incoming transfers recorded by scans
	TransfersRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_reconcile_transfers_recorded_total",
			Help: "Total number of transfers recorded by reconciliation scans",
		},
		[]string{"chain"},
	)

	// HighWaterMark tracks the last fully scanned block per chain and wallet
	HighWaterMark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treasury_reconcile_high_water_mark",
			Help: "Last fully scanned block",
		},
		[]string{"chain", "wallet"},
	)

	// Discrepancies tracks findings of the last full reconciliation
	Discrepancies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treasury_reconcile_discrepancies",
			Help: "Discrepancies found by the last reconciliation run",
		},
		[]string{"kind"},
	)

	// BalanceOK is 1 when recorded and on-chain balances agree
	BalanceOK = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treasury_reconcile_balance_ok",
			Help: "Whether recorded and on-chain balances agree within tolerance",
		},
		[]string{"chain", "wallet"},
	)

	// BridgeTransitions tracks bridge phase changes
	BridgeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_bridge_transitions_total",
			Help: "Total number of bridge phase transitions",
		},
		[]string{"from", "to"},
	)

	// AttestationPolls tracks attestation polls by outcome
	AttestationPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_attestation_polls_total",
			Help: "Total number of attestation polls",
		},
		[]string{"outcome"},
	)

	// RPCCallsTotal tracks RPC calls per chain and provider
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treasury_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "provider", "method"},
	)

	// StoreTxRetries tracks transactions replayed after serialization failures
	StoreTxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_store_tx_retries_total",
			Help: "Total number of store transactions retried after serialization failures",
		},
		[]string{"dialect"},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treasury_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
