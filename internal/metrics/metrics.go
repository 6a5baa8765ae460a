// Package metrics holds the Prometheus collectors for the trigger engine.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse"

type Metrics struct {
	evaluations      *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	annotations      *prometheus.CounterVec
	cooldownFailures prometheus.Counter
	batchDuration    *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by result",
		}, []string{"org_id", "result"}), // result: matched, unmatched, failed
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "outcomes_total",
			Help:      "Recorded outcomes by status",
		}, []string{"org_id", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by action and result",
		}, []string{"action", "result"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of action handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		annotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "annotations_total",
			Help:      "AI annotation attempts by status",
		}, []string{"status"}),
		cooldownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cooldown",
			Name:      "store_failures_total",
			Help:      "Cooldown store errors; each one suppressed a firing",
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"mode"}), // mode: live, replay
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.evaluations, m.outcomes, m.dispatches, m.dispatchLatency,
		m.annotations, m.cooldownFailures, m.batchDuration, m.httpRequests,
	)
	return m
}

func (m *Metrics) ObserveEvaluation(orgID, result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(orgID, result).Inc()
}

func (m *Metrics) ObserveOutcome(orgID, status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(orgID, status).Inc()
}

func (m *Metrics) ObserveDispatch(action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(action, result).Inc()
	m.dispatchLatency.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) ObserveAnnotation(status string) {
	if m == nil {
		return
	}
	m.annotations.WithLabelValues(status).Inc()
}

func (m *Metrics) CooldownFailure() {
	if m == nil {
		return
	}
	m.cooldownFailures.Inc()
}

func (m *Metrics) ObserveBatch(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
