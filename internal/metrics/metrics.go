// Package metrics holds the broker's Prometheus collectors. This is
// additive instrumentation: nothing in the core blocks on it, and no
// component's behavior changes based on whether metrics are scraped.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the control plane and ingress planes
// update as they operate. Construct one with New and register it with
// a prometheus.Registerer; nil-safe methods let components that don't
// hold a *Metrics skip instrumentation entirely.
type Metrics struct {
	ActiveTunnels     *prometheus.GaugeVec
	StreamsOpened     *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	PendingResponses  prometheus.Gauge
	TCPPortsAllocated prometheus.Gauge
}

// New constructs a Metrics with all collectors initialized but not
// yet registered.
func New() *Metrics {
	return &Metrics{
		ActiveTunnels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "duct",
			Name:      "active_tunnels",
			Help:      "Number of currently established tunnels, by kind.",
		}, []string{"kind"}),
		StreamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duct",
			Name:      "streams_opened_total",
			Help:      "Total streams opened, by kind.",
		}, []string{"kind"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duct",
			Name:      "bytes_transferred_total",
			Help:      "Total bytes transferred, by direction.",
		}, []string{"direction"}),
		PendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duct",
			Name:      "pending_http_responses",
			Help:      "Number of HTTP requests awaiting a response frame.",
		}),
		TCPPortsAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duct",
			Name:      "tcp_ports_allocated",
			Help:      "Number of TCP ports currently allocated from the pool.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on
// duplicate registration (a programmer error, not a runtime one).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.ActiveTunnels, m.StreamsOpened, m.BytesTransferred, m.PendingResponses, m.TCPPortsAllocated)
}

// StreamOpened counts one newly opened stream of the given kind
// ("http" or "tcp"). A nil receiver is a no-op, so callers that were
// built without a Metrics instance can call this unconditionally.
func (m *Metrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.StreamsOpened.WithLabelValues(kind).Inc()
}

// AddBytes records n bytes transferred in the given direction
// ("request" or "response"). A nil receiver and non-positive n are
// both no-ops.
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// PendingResponseOpened increments the gauge of HTTP requests
// currently awaiting a response frame. A nil receiver is a no-op.
func (m *Metrics) PendingResponseOpened() {
	if m == nil {
		return
	}
	m.PendingResponses.Inc()
}

// PendingResponseClosed decrements the gauge of HTTP requests
// currently awaiting a response frame. A nil receiver is a no-op.
func (m *Metrics) PendingResponseClosed() {
	if m == nil {
		return
	}
	m.PendingResponses.Dec()
}

// TCPPortAllocated increments the gauge of TCP ports currently
// allocated from the pool. A nil receiver is a no-op.
func (m *Metrics) TCPPortAllocated() {
	if m == nil {
		return
	}
	m.TCPPortsAllocated.Inc()
}

// TCPPortReleased decrements the gauge of TCP ports currently
// allocated from the pool. A nil receiver is a no-op.
func (m *Metrics) TCPPortReleased() {
	if m == nil {
		return
	}
	m.TCPPortsAllocated.Dec()
}
