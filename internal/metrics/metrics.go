// Package metrics exposes Prometheus instruments for escrow transitions, the
// oracle feed, archiving and the HTTP API. Every method is safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow"

// Metrics owns a private registry and the instruments registered on it.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	transitionDur *prometheus.HistogramVec
	payouts       prometheus.Counter
	refunds       prometheus.Counter

	oracleUpdates *prometheus.CounterVec
	oracleErrors  *prometheus.CounterVec
	oracleLast    *prometheus.GaugeVec

	archived *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Escrow transitions segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		transitionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Time spent in an escrow transition including locking and commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_amount_total",
			Help:      "Sum of stakes released to winners.",
		}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_amount_total",
			Help:      "Sum of stakes returned by withdrawals.",
		}),
		oracleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "updates_total",
			Help:      "Price observations accepted into the cache.",
		}, []string{"feed", "source"}),
		oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "errors_total",
			Help:      "Oracle connection or decode failures.",
		}, []string{"source"}),
		oracleLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "last_publish_timestamp_seconds",
			Help:      "Publish time of the newest observation per feed.",
		}, []string{"feed"}),
		archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_total",
			Help:      "Records copied to cold storage.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.transitions, m.transitionDur, m.payouts, m.refunds,
		m.oracleUpdates, m.oracleErrors, m.oracleLast,
		m.archived, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTransition records one transition. outcome is "ok" or an error kind.
func (m *Metrics) ObserveTransition(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
	m.transitionDur.WithLabelValues(op).Observe(d.Seconds())
}

// AddPayout adds a released payout.
func (m *Metrics) AddPayout(amount uint64) {
	if m == nil {
		return
	}
	m.payouts.Add(float64(amount))
}

// AddRefund adds a withdrawal refund.
func (m *Metrics) AddRefund(amount uint64) {
	if m == nil {
		return
	}
	m.refunds.Add(float64(amount))
}

// OracleUpdate records an accepted observation.
func (m *Metrics) OracleUpdate(feed, source string, published time.Time) {
	if m == nil {
		return
	}
	m.oracleUpdates.WithLabelValues(feed, source).Inc()
	m.oracleLast.WithLabelValues(feed).Set(float64(published.Unix()))
}

// OracleError records a failed oracle read.
func (m *Metrics) OracleError(source string) {
	if m == nil {
		return
	}
	m.oracleErrors.WithLabelValues(source).Inc()
}

// Archived adds n archived records of kind.
func (m *Metrics) Archived(kind string, n int64) {
	if m == nil {
		return
	}
	m.archived.WithLabelValues(kind).Add(float64(n))
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}
