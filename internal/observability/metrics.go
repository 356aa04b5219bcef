package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended tracks history events persisted by type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_history_events_appended_total",
		Help: "Total history events appended, by event type",
	}, []string{"event_type"})

	// VersionedWriteSuccess tracks successful optimistic writes.
	VersionedWriteSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_versioned_write_success_total",
		Help: "Successful versioned writes, by store",
	}, []string{"store"})

	// VersionedWriteConflict tracks optimistic lock conflicts detected.
	VersionedWriteConflict = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_versioned_write_conflict_total",
		Help: "Version conflicts detected, by store",
	}, []string{"store"})

	// ChecksumMismatch tracks mutable state blobs failing integrity check.
	ChecksumMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkflow_state_checksum_mismatch_total",
		Help: "Mutable state reads whose checksum did not match the blob",
	})

	// DecisionBatches tracks engine decision batches by input signal.
	DecisionBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_engine_decision_batches_total",
		Help: "Decision batches applied, by triggering signal and outcome",
	}, []string{"signal", "outcome"})

	// DecisionBatchDuration tracks time from signal to committed batch.
	DecisionBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkflow_engine_decision_batch_seconds",
		Help:    "Duration of one decision batch including persistence",
		Buckets: prometheus.DefBuckets,
	})

	// TaskQueueDepth tracks pending tasks per matching queue.
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkflow_matching_queue_depth",
		Help: "Current number of pollable tasks per task queue",
	}, []string{"namespace", "task_queue"})

	// MatchingOperations tracks enqueue/poll/complete/fail outcomes.
	MatchingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_matching_operations_total",
		Help: "Matching service operations, by operation and result",
	}, []string{"operation", "result"})

	// RateLimited tracks matching operations denied by a limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_matching_rate_limited_total",
		Help: "Matching operations rejected by the token bucket limiters",
	}, []string{"scope"}) // global, namespace

	// TaskRedeliveries tracks tasks re-enqueued after retryable failure.
	TaskRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkflow_matching_redeliveries_total",
		Help: "Tasks re-enqueued with backoff after a retryable failure",
	})

	// TimerScanDuration tracks the due-timer scan loop per shard.
	TimerScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkflow_timer_scan_seconds",
		Help:    "Duration of one due-timer scan iteration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"shard"})

	// TimersFired tracks timers delivered to the engine.
	TimersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkflow_timers_fired_total",
		Help: "Durable timers fired into the engine",
	})

	// WorkerExecutions tracks node executions by node type and outcome.
	WorkerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_worker_executions_total",
		Help: "Node executions, by node type and outcome",
	}, []string{"node_type", "outcome"})

	// WorkerExecutionDuration tracks executor runtime.
	WorkerExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkflow_worker_execution_seconds",
		Help:    "Node executor runtime distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"node_type"})

	// BreakerState tracks circuit breaker state per executor
	// (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkflow_worker_breaker_state",
		Help: "Circuit breaker state per executor (0=closed, 1=half_open, 2=open)",
	}, []string{"node_type"})

	// BulkheadRejections tracks executions rejected by the bulkhead.
	BulkheadRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkflow_worker_bulkhead_rejections_total",
		Help: "Executions rejected because the bulkhead was saturated",
	})

	// CallbackDeliveries tracks callback delivery outcomes.
	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_callback_deliveries_total",
		Help: "Control-plane callback deliveries, by event and result",
	}, []string{"event", "result"})

	// CallbackQueueDepth tracks the async callback queue.
	CallbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkflow_callback_queue_depth",
		Help: "Current depth of the async callback queue",
	})

	// StreamClients tracks connected websocket observers.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkflow_stream_clients",
		Help: "Currently connected execution-stream websocket clients",
	})

	// APIRequests tracks RPC requests by method and status class.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkflow_api_requests_total",
		Help: "Engine RPC requests, by method and status",
	}, []string{"method", "status"})
)
