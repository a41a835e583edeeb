// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for undeliverable envelopes.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

// Metrics holds the hub's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	connTotal      prometheus.Counter
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	forwarded      prometheus.Counter
	dropped        *prometheus.CounterVec
	evictions      prometheus.Counter
	protocolErrors prometheus.Counter

	reg prometheus.Registerer
}

// New creates and registers the hub collectors. A nil registerer uses the
// Prometheus default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chathub_connections_active",
			Help: "Current number of open WebSocket connections.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_connections_total",
			Help: "Total number of WebSocket connections accepted since start.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_requests_total",
			Help: "Client requests handled, by type and outcome.",
		}, []string{"type", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chathub_request_duration_seconds",
			Help:    "Latency for handling client requests.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"type"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_messages_forwarded_total",
			Help: "Chat messages queued for online recipients.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_envelopes_dropped_total",
			Help: "Outbound envelopes dropped, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_session_evictions_total",
			Help: "Sessions replaced by a newer login for the same identity.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_protocol_errors_total",
			Help: "Inbound frames rejected as malformed.",
		}),
		reg: reg,
	}

	reg.MustRegister(
		m.connections,
		m.connTotal,
		m.requests,
		m.requestLatency,
		m.forwarded,
		m.dropped,
		m.evictions,
		m.protocolErrors,
	)
	return m
}

// ObserveSessions registers a gauge that reads the authenticated session count on scrape.
func (m *Metrics) ObserveSessions(authenticated func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chathub_sessions_authenticated",
		Help: "Current number of identities with a live session.",
	}, func() float64 { return float64(authenticated()) }))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(msgType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, status).Inc()
	m.requestLatency.WithLabelValues(msgType).Observe(d.Seconds())
}

func (m *Metrics) Forwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwarded.Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}
