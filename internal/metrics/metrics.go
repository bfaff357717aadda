// Package metrics exposes Prometheus instrumentation for protocol sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. All methods are safe on a nil
// receiver so sessions can run uninstrumented.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec

	// Remote call metrics
	CallsInFlight prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  prometheus.Histogram

	// Registry metrics
	RegistrySize   prometheus.Gauge
	TokensReleased prometheus.Counter
}

// New creates a metrics collector registered against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry so
// independent sessions never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framelink_sessions_active",
			Help: "Number of active protocol sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "framelink_sessions_total",
			Help: "Total number of sessions created",
		}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framelink_envelopes_received_total",
			Help: "Envelopes accepted by the dispatch loop",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framelink_envelopes_dropped_total",
			Help: "Envelopes rejected at the protocol boundary",
		}, []string{"reason"}),
		CallsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framelink_calls_in_flight",
			Help: "Remote calls awaiting a response",
		}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framelink_calls_total",
			Help: "Remote calls by outcome",
		}, []string{"outcome"}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "framelink_call_duration_seconds",
			Help:    "Remote call round-trip duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framelink_registry_size",
			Help: "Functions currently registered for the remote peer",
		}),
		TokensReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "framelink_tokens_released_total",
			Help: "Function tokens released by the remote peer",
		}),
	}
}

// SessionOpened records a session start.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// EnvelopeReceived records one accepted envelope.
func (m *Metrics) EnvelopeReceived(envType string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(envType).Inc()
}

// EnvelopeDropped records one rejected envelope.
func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// CallStarted records an outbound call entering flight.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInFlight.Inc()
}

// CallFinished records a call leaving flight with its outcome and duration.
func (m *Metrics) CallFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsInFlight.Dec()
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(seconds)
}

// SetRegistrySize records the current registry occupancy.
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.RegistrySize.Set(float64(n))
}

// TokenReleased records n tokens reclaimed.
func (m *Metrics) TokenReleased(n int) {
	if m == nil {
		return
	}
	m.TokensReleased.Add(float64(n))
}
