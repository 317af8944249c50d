package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager holds the service's Prometheus collectors. A nil *Manager is valid
// and records nothing, so services and tests can run without a registry.
type Manager struct {
	Registry *prometheus.Registry

	OffersSubmitted     *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	StaleVersions       *prometheus.CounterVec
	FanoutRejections    *prometheus.CounterVec
	OutboxMessages      *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewManager builds a Manager on its own registry.
func NewManager(namespace string) *Manager {
	registry := prometheus.NewRegistry()

	m := &Manager{
		Registry: registry,
		OffersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_submitted_total",
			Help:      "Offer submissions by outcome.",
		}, []string{"outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_decisions_total",
			Help:      "Offer decisions by kind and outcome.",
		}, []string{"decision", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_transitions_total",
			Help:      "Listing lifecycle transitions by event and outcome.",
		}, []string{"event", "outcome"}),
		StaleVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_stale_version_total",
			Help:      "Version-guarded writes that lost to a concurrent writer.",
		}, []string{"operation"}),
		FanoutRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_fanout_rejections_total",
			Help:      "Pending offers rejected after a listing sold.",
		}, []string{"outcome"}),
		OutboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox relay results by topic.",
		}, []string{"topic", "result"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		m.OffersSubmitted,
		m.Decisions,
		m.Transitions,
		m.StaleVersions,
		m.FanoutRejections,
		m.OutboxMessages,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Manager) OfferSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.OffersSubmitted.WithLabelValues(outcome).Inc()
}

func (m *Manager) Decision(decision, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, outcome).Inc()
}

func (m *Manager) Transition(event, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(event, outcome).Inc()
}

func (m *Manager) StaleVersion(operation string) {
	if m == nil {
		return
	}
	m.StaleVersions.WithLabelValues(operation).Inc()
}

func (m *Manager) FanoutRejection(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FanoutRejections.WithLabelValues(outcome).Add(float64(n))
}

func (m *Manager) Outbox(topic, result string) {
	if m == nil {
		return
	}
	m.OutboxMessages.WithLabelValues(topic, result).Inc()
}

func (m *Manager) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
