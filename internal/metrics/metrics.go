package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and timings, registered on the default registry and
// served by the promhttp handler in cmd/server.
var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docmend_tasks_processed_total",
		Help: "Tasks processed by the worker pool, by kind and outcome.",
	}, []string{"kind", "outcome"})

	ExecutionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docmend_executions_in_flight",
		Help: "Sandbox executions currently running.",
	})

	SandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docmend_sandbox_duration_seconds",
		Help:    "Wall-clock duration of sandbox executions, by language.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"language"})

	WorkflowsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docmend_workflows_terminal_total",
		Help: "Workflows that reached a terminal status.",
	}, []string{"status"})

	SecurityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docmend_security_violations_total",
		Help: "Executions refused for sandbox-escape indicators.",
	})
)
