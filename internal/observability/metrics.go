// Package observability exposes process-wide Prometheus metrics for the
// agent session subsystem. Registration happens once, on first use.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	sessionOutcomes   *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	iterationDuration prometheus.Histogram
	iterationsTotal   prometheus.Counter

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	broadcastsTotal  prometheus.Counter
	broadcastsStale  prometheus.Counter
	observersCurrent prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_active_sessions",
					Help: "Current number of non-terminal agent sessions.",
				},
			),
			sessionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_sessions_total",
					Help: "Total agent sessions created.",
				},
			),
			sessionOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_session_outcomes_total",
					Help: "Terminal session transitions by status.",
				},
				[]string{"status"},
			),
			sessionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_session_duration_seconds",
					Help:    "Wall-clock session duration from start to terminal status.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
				},
			),
			iterationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_iteration_duration_seconds",
					Help:    "Duration of one model-call-plus-tools iteration.",
					Buckets: prometheus.DefBuckets,
				},
			),
			iterationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_iterations_total",
					Help: "Total completed iterations across all sessions.",
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_tool_invocations_total",
					Help: "Tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_model_calls_total",
					Help: "Model client calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_model_call_duration_seconds",
					Help:    "Model client call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			broadcastsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_progress_broadcasts_total",
					Help: "Progress snapshots delivered to observers.",
				},
			),
			broadcastsStale: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_progress_broadcasts_skipped_total",
					Help: "Progress notifications skipped because the snapshot was unchanged.",
				},
			),
			observersCurrent: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_progress_observers",
					Help: "Currently registered progress observers.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.sessionOutcomes,
			m.sessionDuration,
			m.iterationDuration,
			m.iterationsTotal,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.broadcastsTotal,
			m.broadcastsStale,
			m.observersCurrent,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsTotal.Inc()
}

func RecordSessionOutcome(status string, duration time.Duration) {
	m := getMetrics()
	m.sessionOutcomes.WithLabelValues(status).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

func RecordIteration(duration time.Duration) {
	m := getMetrics()
	m.iterationsTotal.Inc()
	m.iterationDuration.Observe(duration.Seconds())
}

func RecordToolInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolInvocationTotal.WithLabelValues(tool, status).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordBroadcast(delivered bool) {
	m := getMetrics()
	if delivered {
		m.broadcastsTotal.Inc()
	} else {
		m.broadcastsStale.Inc()
	}
}

func SetObserverCount(count int) {
	getMetrics().observersCurrent.Set(float64(count))
}
