// Package metrics exposes the daemon's Prometheus instrumentation —
// one package-level registration, updated by the executor and the
// event hub as they run, served by cmd/routerd over /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of tasks per status/priority pair.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelrouter_queue_depth",
		Help: "Current number of tasks by status and priority",
	}, []string{"status", "priority"})

	// SchedulerDecisions tracks scheduling decisions made by outcome.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelrouter_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"outcome"}) // immediate, deferred

	// SchedulerLoopDuration tracks the duration of one poll tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelrouter_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler poll tick",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitAvailable tracks remaining admission headroom per model.
	RateLimitAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelrouter_rate_limit_available",
		Help: "Remaining requests available in the current rate-limit window, per model",
	}, []string{"model"})

	// RateLimitRejections tracks reservations denied by the coordinator.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelrouter_rate_limit_rejections_total",
		Help: "Total number of reservation attempts denied because a model's window was exhausted",
	}, []string{"model"})

	// TaskExecutions tracks completed invocations by model and outcome.
	TaskExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelrouter_task_executions_total",
		Help: "Total number of task executions by model and outcome",
	}, []string{"model", "outcome"}) // outcome: success, failure

	// TaskExecutionDuration tracks invocation latency per model.
	TaskExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelrouter_task_execution_duration_seconds",
		Help:    "Task execution latency by model",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	}, []string{"model"})

	// TaskRetries tracks tasks re-queued after a failed attempt.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelrouter_task_retries_total",
		Help: "Total number of tasks requeued to pending after a failed attempt",
	})

	// CyclesDetected tracks tasks failed by the dependency-cycle backstop.
	CyclesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelrouter_cycles_detected_total",
		Help: "Total number of tasks failed because a dependency cycle was detected",
	})

	// ExecutorRunning reports whether the executor daemon is currently running.
	ExecutorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelrouter_executor_running",
		Help: "Whether the executor daemon is currently running (1) or not (0)",
	})

	// ExecutorPaused reports whether the executor daemon is paused.
	ExecutorPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelrouter_executor_paused",
		Help: "Whether the executor daemon is currently paused (1) or not (0)",
	})

	// WSConnectedConsoles tracks the number of attached websocket consoles.
	WSConnectedConsoles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelrouter_ws_connected_consoles",
		Help: "Current number of websocket consoles attached to the event hub",
	})
)
