// ABOUTME: Prometheus collectors for heartbeats, acknowledgements, dispatch and transport requests
// ABOUTME: Collectors live on a private registry exposed through Handler

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Heartbeat results
const (
	ResultOK            = "ok"
	ResultProtocolError = "protocol_error"
	ResultIncomplete    = "incomplete"
	ResultError         = "error"
)

// Ack results
const (
	AckApplied       = "applied"
	AckDuplicate     = "duplicate"
	AckUnknown       = "unknown"
	AckTerminal      = "terminal"
	AckProtocolError = "protocol_error"
	AckError         = "error"
)

// Metrics holds the server's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	heartbeats        *prometheus.CounterVec
	heartbeatDuration prometheus.Histogram
	acks              *prometheus.CounterVec
	dispatched        prometheus.Counter
	requests          *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		heartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2_heartbeats_total",
				Help: "Heartbeats processed, by result.",
			},
			[]string{"result"},
		),
		heartbeatDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "c2_heartbeat_duration_seconds",
				Help:    "Time to process a heartbeat including store access.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		acks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2_acks_total",
				Help: "Operation acknowledgements processed, by result.",
			},
			[]string{"result"},
		),
		dispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "c2_operations_dispatched_total",
				Help: "Operations placed into heartbeat responses.",
			},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2_transport_requests_total",
				Help: "Requests handled by the agent-facing transports, by transport, route and response code.",
			},
			[]string{"transport", "route", "code"},
		),
	}
}

// Heartbeat records one processed heartbeat.
func (m *Metrics) Heartbeat(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
	m.heartbeatDuration.Observe(took.Seconds())
}

// Ack records one processed acknowledgement.
func (m *Metrics) Ack(result string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(result).Inc()
}

// Dispatched records n operations handed to an agent.
func (m *Metrics) Dispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dispatched.Add(float64(n))
}

// Request records a transport-level response.
func (m *Metrics) Request(transport, route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, route, code).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
