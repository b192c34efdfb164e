// Package metrics exposes the relay's prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tcriess/lightspeed-meet/registry"
)

const namespace = "lightspeed_meet"

// Reasons for dropped events.
const (
	DropMalformed    = "malformed"
	DropUnknownEvent = "unknown_event"
	DropNotJoined    = "not_joined"
	DropPolicy       = "policy"
	DropUnauthorized = "unauthorized"
	DropNoTarget     = "no_target"
	DropPanic        = "panic"
	DropSendBuffer   = "send_buffer_full"
)

// Metrics bundles the collectors of one relay. Every instance has its own prometheus registry.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// New creates the collectors. Room and participant counts are read from reg on every scrape.
func New(reg registry.Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of handled inbound events by event name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Number of dropped events or messages by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.connections,
		m.events,
		m.dropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of active meeting rooms.",
		}, func() float64 { return float64(reg.Stats().Rooms) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of participants across all rooms.",
		}, func() float64 { return float64(reg.Stats().Participants) }),
		prometheus.NewGoCollector(),
	)
	return m
}

// The methods below accept a nil receiver, so metrics are optional for the callers.

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) EventHandled(event string) {
	if m != nil {
		m.events.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// Gatherer returns the underlying registry, f.e. for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
