package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matrix_build_info",
			Help: "Build information of the matrix settlement engine",
		},
		[]string{"version", "commit", "date"},
	)

	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_registrations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)

	SlotActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_slot_actions_total",
			Help: "Total number of slot actions applied",
		},
		[]string{"slot", "path"},
	)

	PropagationHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrix_engine_propagation_hops",
			Help:    "Number of ancestors visited per propagation",
			Buckets: prometheus.LinearBuckets(0, 1, 7),
		},
	)

	QuoteFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_quote_fallbacks_total",
			Help: "Total number of reward quotes that fell back to a fixed value",
		},
		[]string{"reason"},
	)

	MintThrottleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_mint_throttle_total",
			Help: "Total number of mint throttle decisions",
		},
		[]string{"result"},
	)

	OracleStaleReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matrix_engine_oracle_stale_reads_total",
			Help: "Total number of oracle reads older than the staleness bound",
		},
	)

	HostExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matrix_host_execution_duration_seconds",
			Help:    "Duration of host executions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
		[]string{"store", "status"},
	)

	HostExecutionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_host_execution_retries_total",
			Help: "Total number of host execution retries after serialization failures",
		},
		[]string{"store"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_rpc_requests_total",
			Help: "Total number of RPC account reads",
		},
		[]string{"status"},
	)
)
