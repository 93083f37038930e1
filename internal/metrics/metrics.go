package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Component counters, histograms and gauges, partitioned by chain + network.

var (
	// Block indexer
	IndexerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "ticks_total",
		Help:      "Total scan ticks started",
	}, []string{"chain", "network"})

	IndexerTicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "ticks_skipped_total",
		Help:      "Scan ticks skipped because the previous tick was still running",
	}, []string{"chain", "network"})

	IndexerTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "tick_errors_total",
		Help:      "Total scan ticks that ended with an error",
	}, []string{"chain", "network"})

	IndexerTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "tick_duration_seconds",
		Help:      "Scan tick duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "network"})

	IndexerBlocksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "blocks_accepted_total",
		Help:      "Total blocks accepted as confirmed",
	}, []string{"chain", "network"})

	IndexerSlotsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "slots_skipped_total",
		Help:      "Total heights recorded as skipped (no block produced)",
	}, []string{"chain", "network"})

	IndexerUnitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "unit_failures_total",
		Help:      "Total per-height fetch failures deferred to the next tick",
	}, []string{"chain", "network"})

	IndexerBulkRanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "bulk_ranges_total",
		Help:      "Finalized ranges handled by the bulk log path",
	}, []string{"chain", "network", "result"})

	IndexerLastAcceptedHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "last_accepted_height",
		Help:      "Highest confirmed block height",
	}, []string{"chain", "network"})

	IndexerChainTip = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "scan",
		Name:      "chain_tip_height",
		Help:      "Chain tip observed at the scan commitment",
	}, []string{"chain", "network"})

	// Ledger
	LedgerCreditsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "credits_created_total",
		Help:      "Total credits created",
	}, []string{"chain", "network", "credit_type"})

	LedgerCreditsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "credits_duplicate_total",
		Help:      "Credits skipped because the reference already exists",
	}, []string{"chain", "network"})

	LedgerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "retries_total",
		Help:      "Ledger operations retried after a transient failure",
	}, []string{"op"})

	// Reorg resolver
	ReorgDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total chain reorganizations detected",
	}, []string{"chain", "network"})

	ReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "depth_blocks",
		Help:      "Number of heights rolled back per reorg",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 64, 128},
	}, []string{"chain", "network"})

	ReorgRollbackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "rollback_failures_total",
		Help:      "Rollbacks that failed and will be retried",
	}, []string{"chain", "network"})

	ReorgDegradedAncestors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "degraded_ancestor_total",
		Help:      "Reorgs resolved by rewinding to the start height",
	}, []string{"chain", "network"})

	ReorgFrozenRetained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "frozen_credits_retained_total",
		Help:      "Frozen credits inside a rolled back range that were kept",
	}, []string{"chain", "network"})

	ReorgUnverifiable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "unverifiable_total",
		Help:      "Checks deferred because chain data could not be verified",
	}, []string{"chain", "network"})

	// Confirmation engine
	ConfirmationPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "confirmation",
		Name:      "promotions_total",
		Help:      "Credits moved to a new status",
	}, []string{"chain", "network", "status"})

	ConfirmationCycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "confirmation",
		Name:      "cycle_duration_seconds",
		Help:      "Confirmation cycle duration",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "network"})

	ConfirmationNetworkHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "confirmation",
		Name:      "network_height",
		Help:      "Heights used by the finality policy",
	}, []string{"chain", "network", "tag"})

	ConfirmationNativeFinality = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "confirmation",
		Name:      "native_finality",
		Help:      "1 when network safe/finalized tags drive promotion, 0 for depth counting",
	}, []string{"chain", "network"})

	// Withdrawal tracker
	WithdrawalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "withdrawal",
		Name:      "transitions_total",
		Help:      "Withdrawals moved to a new status",
	}, []string{"chain", "network", "status"})

	WithdrawalRefunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "withdrawal",
		Name:      "refunds_total",
		Help:      "Refund credits created for failed withdrawals",
	}, []string{"chain", "network"})

	WithdrawalPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "withdrawal",
		Name:      "poll_errors_total",
		Help:      "Withdrawal receipt lookups that failed",
	}, []string{"chain", "network"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by endpoint, method and status",
	}, []string{"chain", "endpoint", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain", "endpoint"})

	RPCFailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "failovers_total",
		Help:      "RPC calls retried on a secondary endpoint",
	}, []string{"chain", "method"})

	RPCBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "breaker_state",
		Help:      "Endpoint circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain", "endpoint"})

	// Address index
	AddressIndexReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "addressindex",
		Name:      "reloads_total",
		Help:      "Snapshot reloads by trigger",
	}, []string{"chain", "network", "kind", "trigger"})

	AddressIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "addressindex",
		Name:      "entries",
		Help:      "Entries in the current snapshot",
	}, []string{"chain", "network", "kind"})

	// Pipeline
	PipelineHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "health_status",
		Help:      "Pipeline health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY, 4=STANDBY)",
	}, []string{"chain", "network"})

	PipelineConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive pipeline failures",
	}, []string{"chain", "network"})

	PipelineLeaseHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "lease_held",
		Help:      "1 when this replica holds the scan lease for the chain",
	}, []string{"chain", "network"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
