package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	sandboxExecutions     *prometheus.CounterVec

	threadStoreOps      *prometheus.CounterVec
	threadStoreDuration *prometheus.HistogramVec

	personaEvents *prometheus.CounterVec
	workflowOps   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Pending tasks by command queue lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Queued task execution duration in seconds by status.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			runsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "runs_total",
					Help:      "Agent runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_duration_seconds",
					Help:      "Agent run duration in seconds by provider.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Agent runs currently in flight.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_executions_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sandboxExecutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sandbox_executions_total",
					Help:      "Sandboxed code executions by outcome (success, error, timeout).",
				},
				[]string{"status"},
			),
			threadStoreOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "thread_store_ops_total",
					Help:      "Memory thread store operations by operation and status.",
				},
				[]string{"op", "status"},
			),
			threadStoreDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "thread_store_duration_seconds",
					Help:      "Memory thread store operation duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			personaEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "persona_events_total",
					Help:      "Persona scoring events by persona and event.",
				},
				[]string{"persona", "event"},
			),
			workflowOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "workflow_ops_total",
					Help:      "Workflow engine operations by operation.",
				},
				[]string{"op"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.taskDuration,
			m.runsTotal,
			m.runDuration,
			m.activeRuns,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sandboxExecutions,
			m.threadStoreOps,
			m.threadStoreDuration,
			m.personaEvents,
			m.workflowOps,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

func RecordQueueCompletion(duration time.Duration, success bool) {
	getMetrics().taskDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// RunStarted increments the in-flight gauge. Pair with RecordRun.
func RunStarted() {
	getMetrics().activeRuns.Inc()
}

// RecordRun records a finished run and decrements the in-flight gauge.
// runStatus is "success", "error" or "canceled".
func RecordRun(agentID, provider, runStatus string, duration time.Duration) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(agentID, runStatus).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSandboxExecution counts a sandbox outcome: success, error or timeout.
func RecordSandboxExecution(outcome string) {
	getMetrics().sandboxExecutions.WithLabelValues(outcome).Inc()
}

func RecordThreadStoreOp(op string, duration time.Duration, err error) {
	m := getMetrics()
	m.threadStoreOps.WithLabelValues(op, status(err == nil)).Inc()
	m.threadStoreDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordPersonaEvent counts usage, feedback, success and failure events.
func RecordPersonaEvent(personaID, event string) {
	getMetrics().personaEvents.WithLabelValues(personaID, event).Inc()
}

func RecordWorkflowOp(op string) {
	getMetrics().workflowOps.WithLabelValues(op).Inc()
}
