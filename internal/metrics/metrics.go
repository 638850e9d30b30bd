// Package metrics holds the Prometheus collectors for heirloom. Each process
// builds its own registry so tests can create as many instances as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the release engine, the capability
// exchange and the remote service. All methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	ItemsReleased       *prometheus.CounterVec
	HeartbeatReleases   prometheus.Counter
	GuardianTransitions *prometheus.CounterVec
	CodeAttempts        *prometheus.CounterVec
	CodeCollisions      *prometheus.CounterVec
	CodeResolveRetries  prometheus.Counter
	RefreshFailures     prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ItemsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_items_released_total",
			Help: "Items transitioned to released, by trigger",
		}, []string{"trigger"}),
		HeartbeatReleases: f.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_heartbeat_releases_total",
			Help: "Items released by the weekly heartbeat queue",
		}),
		GuardianTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_guardian_transitions_total",
			Help: "Dead-man's-switch phase transitions",
		}, []string{"phase"}),
		CodeAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_code_issue_attempts_total",
			Help: "Random code draws while issuing share and guardian codes",
		}, []string{"kind"}),
		CodeCollisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_code_collisions_total",
			Help: "Code draws rejected because the code was already live",
		}, []string{"kind"}),
		CodeResolveRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_code_resolve_retries_total",
			Help: "Code lookups retried while waiting for propagation",
		}),
		RefreshFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_refresh_failures_total",
			Help: "Replica refreshes that could not reach the remote service",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_http_requests_total",
			Help: "HTTP requests served by the remote service",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heirloom_http_request_duration_seconds",
			Help:    "Duration of HTTP requests served by the remote service",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// Released records an item release.
func (m *Metrics) Released(trigger string) {
	if m == nil {
		return
	}
	m.ItemsReleased.WithLabelValues(trigger).Inc()
	if trigger == "heartbeat" {
		m.HeartbeatReleases.Inc()
	}
}

// GuardianPhase records entry into a dead-man's-switch phase.
func (m *Metrics) GuardianPhase(phase string) {
	if m == nil {
		return
	}
	m.GuardianTransitions.WithLabelValues(phase).Inc()
}

// CodeAttempt records one random code draw.
func (m *Metrics) CodeAttempt(kind string) {
	if m == nil {
		return
	}
	m.CodeAttempts.WithLabelValues(kind).Inc()
}

// CodeCollision records a draw that hit a live code.
func (m *Metrics) CodeCollision(kind string) {
	if m == nil {
		return
	}
	m.CodeCollisions.WithLabelValues(kind).Inc()
}

// ResolveRetry records a code lookup that will be retried.
func (m *Metrics) ResolveRetry() {
	if m == nil {
		return
	}
	m.CodeResolveRetries.Inc()
}

// RefreshFailed records a refresh that could not reach the remote service.
func (m *Metrics) RefreshFailed() {
	if m == nil {
		return
	}
	m.RefreshFailures.Inc()
}

// ObserveHTTP records a served request.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveHTTP(method, route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
