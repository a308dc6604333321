package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dispatch core
type Metrics struct {
	// Invocation metrics
	InvocationsTotal        *prometheus.CounterVec
	InvocationRetriesTotal  prometheus.Counter
	InvocationFailuresTotal *prometheus.CounterVec
	InvocationDuration      prometheus.Histogram

	// Operation execution metrics
	OperationsExecutedTotal *prometheus.CounterVec
	OperationDuration       prometheus.Histogram
	PartitionLockWaits      prometheus.Histogram

	// Call registry metrics
	PendingCalls        prometheus.Gauge
	UnknownResponses    prometheus.Counter
	DisconnectedCalls   prometheus.Counter

	// Backup replication metrics
	SyncBackupsTotal    prometheus.Counter
	AsyncBackupsTotal   prometheus.Counter
	BackupTimeoutsTotal prometheus.Counter

	// Transport metrics
	PacketsSentTotal     *prometheus.CounterVec
	PacketsReceivedTotal *prometheus.CounterVec
	SendFailuresTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		InvocationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "invocations_total",
			Help:        "Total number of invocations by dispatch mode",
			ConstLabels: labels,
		}, []string{"mode"}),
		InvocationRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "invocation_retries_total",
			Help:        "Total number of invocation retry attempts",
			ConstLabels: labels,
		}),
		InvocationFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "invocation_failures_total",
			Help:        "Total number of terminally failed invocations by error code",
			ConstLabels: labels,
		}, []string{"code"}),
		InvocationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "invocation_duration_seconds",
			Help:        "Histogram of invocation durations from build to completion",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		OperationsExecutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "operations_executed_total",
			Help:        "Total number of executed operations by result",
			ConstLabels: labels,
		}, []string{"result"}),
		OperationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of operation execution durations including locking",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PartitionLockWaits: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "partition_lock_wait_seconds",
			Help:        "Histogram of time spent waiting for partition write locks",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		PendingCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "pending_calls",
			Help:        "Number of outstanding remote calls",
			ConstLabels: labels,
		}),
		UnknownResponses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "unknown_responses_total",
			Help:        "Total number of responses dropped for unknown call ids",
			ConstLabels: labels,
		}),
		DisconnectedCalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "disconnected_calls_total",
			Help:        "Total number of pending calls failed by peer disconnect",
			ConstLabels: labels,
		}),
		SyncBackupsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "sync_backups_total",
			Help:        "Total number of acknowledged backup dispatches",
			ConstLabels: labels,
		}),
		AsyncBackupsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "async_backups_total",
			Help:        "Total number of fire-and-forget backup sends",
			ConstLabels: labels,
		}),
		BackupTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "dispatch",
			Name:        "backup_timeouts_total",
			Help:        "Total number of backup acknowledgment timeouts",
			ConstLabels: labels,
		}),
		PacketsSentTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "transport",
			Name:        "packets_sent_total",
			Help:        "Total number of packets sent by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		PacketsReceivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "transport",
			Name:        "packets_received_total",
			Help:        "Total number of packets received by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		SendFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "datagrid",
			Subsystem:   "transport",
			Name:        "send_failures_total",
			Help:        "Total number of transport send failures",
			ConstLabels: labels,
		}),
	}
}
