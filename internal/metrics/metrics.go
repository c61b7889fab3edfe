// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_commands_executed_total",
			Help: "Total number of commands executed",
		},
		[]string{"type", "status"},
	)
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ultron_command_duration_seconds",
			Help:    "Command execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
	CommandsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_commands_retried_total",
			Help: "Total number of command retries",
		},
		[]string{"type"},
	)
	CommandsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_commands_dead_lettered_total",
			Help: "Total number of commands moved to the dead letter subject",
		},
		[]string{"type"},
	)
	CommandsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ultron_commands_running",
			Help: "Number of currently running commands",
		},
	)

	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_task_runs_total",
			Help: "Total number of scheduled task runs",
		},
		[]string{"task", "result"},
	)
	TasksScheduled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ultron_tasks_scheduled",
			Help: "Number of scheduled tasks currently registered",
		},
	)
	TasksDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ultron_tasks_disabled_total",
			Help: "Total number of tasks disabled by the failure breaker",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_events_emitted_total",
			Help: "Total number of events emitted on the bus",
		},
		[]string{"name"},
	)

	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_chat_requests_total",
			Help: "Total number of chat completion requests by provider",
		},
		[]string{"provider", "status"},
	)
	ChatLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ultron_chat_latency_seconds",
			Help:    "Chat completion latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ultron_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ultron_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	SystemCPUUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ultron_system_cpu_usage_percent",
			Help: "Host CPU usage percentage",
		},
	)
	SystemMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ultron_system_memory_usage_percent",
			Help: "Host memory usage percentage",
		},
	)
)

func RecordCommand(cmdType string, status string, duration time.Duration) {
	CommandsExecuted.WithLabelValues(cmdType, status).Inc()
	CommandDuration.WithLabelValues(cmdType).Observe(duration.Seconds())
}

func RecordChatRequest(provider, status string, latency time.Duration) {
	ChatRequests.WithLabelValues(provider, status).Inc()
	ChatLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
