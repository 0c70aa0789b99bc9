package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ethstats"

var (
	// RPCRequestsTotal 发出的 HTTP 请求数（单个调用或一个批次各计一次）
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "JSON-RPC HTTP requests sent, by kind and outcome",
	}, []string{"kind", "outcome"})

	// RPCBatchSize 批量请求大小分布
	RPCBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "batch_size",
		Help:      "Number of envelopes per batched request",
		Buckets:   []float64{1, 5, 10, 20, 50, 100, 200, 500},
	})

	RPCRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "Transport-level retries",
	})

	RPCRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "endpoint_rotations_total",
		Help:      "Active endpoint rotations after consecutive failures",
	})

	BlocksScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "blocks_total",
		Help:      "Blocks aggregated into address statistics",
	})

	BlocksUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "blocks_unavailable_total",
		Help:      "Blocks the provider returned null or an error for",
	})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "transactions_total",
		Help:      "Transactions seen, by result (counted|skipped_failed)",
	}, []string{"result"})

	ContractLookupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "contract",
		Name:      "lookups_total",
		Help:      "Addresses sent to eth_getCode",
	})

	ContractCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "contract",
		Name:      "cache_hits_total",
		Help:      "Classifications answered from cache or an in-flight lookup",
	})

	TraceBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trace",
		Name:      "blocks_total",
		Help:      "Traced blocks by method (trace_block|debug_trace|unsupported)",
	}, []string{"method"})

	TraceNodesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trace",
		Name:      "nodes_skipped_total",
		Help:      "Malformed trace entries skipped during normalization",
	})

	ItemLookupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "item_lookup_failures_total",
		Help:      "Per-item lookup failures isolated to a single address or transaction",
	}, []string{"component"})

	SoftErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "soft_errors_total",
		Help:      "Failures absorbed during a scan by error type and component",
	}, []string{"type", "component"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "duration_seconds",
		Help:      "Wall time of complete scans",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
