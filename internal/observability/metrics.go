// Package observability exposes process-wide Prometheus metrics for the
// agent runtime. Registration is lazy and idempotent so packages can
// record without wiring.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runtimeMetrics struct {
	activeSessions prometheus.Gauge

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration prometheus.Histogram
	agentEventsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	poolRunning           prometheus.Gauge
	poolRunningHeavy      prometheus.Gauge

	steeringTotal     *prometheus.CounterVec
	verificationTotal *prometheus.CounterVec

	contextCompactions prometheus.Counter
	sessionsArchived   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *runtimeMetrics
	registry    *prometheus.Registry
)

func getMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		m := &runtimeMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loom_active_sessions",
				Help: "Current active session count.",
			}),
			agentRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loom_agent_runs_total",
				Help: "Total agent turns by terminal status.",
			}, []string{"status"}),
			agentRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "loom_agent_run_duration_seconds",
				Help:    "Agent turn duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			agentEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loom_agent_events_total",
				Help: "Total emitted agent events by type.",
			}, []string{"type"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			poolRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loom_pool_running_tasks",
				Help: "Currently admitted tool tasks across all sessions.",
			}),
			poolRunningHeavy: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loom_pool_running_heavyweight_tasks",
				Help: "Currently admitted heavyweight tool tasks.",
			}),
			steeringTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loom_steering_messages_total",
				Help: "Total steering messages by type.",
			}, []string{"type"}),
			verificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loom_verifications_total",
				Help: "Total verification outcomes by verifier and result.",
			}, []string{"verifier", "result"}),
			contextCompactions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loom_context_compactions_total",
				Help: "Total context window compactions.",
			}),
			sessionsArchived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loom_sessions_archived_total",
				Help: "Total sessions archived to the transcript store.",
			}),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.activeSessions,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentEventsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.poolRunning,
			m.poolRunningHeavy,
			m.steeringTotal,
			m.verificationTotal,
			m.contextCompactions,
			m.sessionsArchived,
		)
		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call repeatedly.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the current session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordAgentRun records a finished agent turn.
func RecordAgentRun(status string, d time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(status).Inc()
	m.agentRunDuration.Observe(d.Seconds())
}

// RecordAgentEvent counts an emitted agent event.
func RecordAgentEvent(eventType string) {
	getMetrics().agentEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordToolExecution records a finished tool task.
func RecordToolExecution(tool string, d time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// SetPoolRunning records the pool's global admission counters.
func SetPoolRunning(total, heavy int) {
	m := getMetrics()
	m.poolRunning.Set(float64(total))
	m.poolRunningHeavy.Set(float64(heavy))
}

// RecordSteering counts a steering message by type.
func RecordSteering(msgType string) {
	getMetrics().steeringTotal.WithLabelValues(msgType).Inc()
}

// RecordVerification counts a verification outcome.
func RecordVerification(verifier string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	getMetrics().verificationTotal.WithLabelValues(verifier, result).Inc()
}

// RecordCompaction counts a context window compaction.
func RecordCompaction() {
	getMetrics().contextCompactions.Inc()
}

// RecordSessionArchived counts an archived session.
func RecordSessionArchived() {
	getMetrics().sessionsArchived.Inc()
}
