// Package metrics exposes fulfillment counters and histograms for
// Prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "giftd"

// Metrics owns a private registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	purchases     *prometheus.CounterVec
	claims        *prometheus.CounterVec
	fillWait      *prometheus.HistogramVec
	notifyFailure *prometheus.CounterVec
	giftsCreated  prometheus.Counter
	reconciled    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome.",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		fillWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fill_wait_seconds",
			Help:      "Time from submission to a final fill status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"mode"}),
		notifyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Failed recipient notifications and operator alerts.",
		}, []string{"channel"}),
		giftsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gifts_created_total",
			Help:      "Gifts created from payment events.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Stale gifts handled by the reconciler by resulting status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.purchases,
		m.claims,
		m.fillWait,
		m.notifyFailure,
		m.giftsCreated,
		m.reconciled,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GiftCreated counts a new gift.
func (m *Metrics) GiftCreated() {
	if m == nil {
		return
	}
	m.giftsCreated.Inc()
}

// PurchaseOutcome counts a finished purchase. outcome is "filled" or a
// failure reason.
func (m *Metrics) PurchaseOutcome(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

// ClaimOutcome counts a finished claim attempt.
func (m *Metrics) ClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// ObserveFillWait records how long the fill wait took.
func (m *Metrics) ObserveFillWait(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.fillWait.WithLabelValues(mode).Observe(d.Seconds())
}

// NotificationFailed counts a failed delivery on channel.
func (m *Metrics) NotificationFailed(channel string) {
	if m == nil {
		return
	}
	m.notifyFailure.WithLabelValues(channel).Inc()
}

// Reconciled counts a stale gift moved to status.
func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}
