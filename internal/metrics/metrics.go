// Package metrics exposes bridge counters and gauges to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefionn/paybridge/internal/protocol"
)

const namespace = "paybridge"

// Metrics holds all bridge metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	ResponsesTotal     *prometheus.CounterVec
	SequenceRejections *prometheus.CounterVec
	DecodeFailures     prometheus.Counter
	DroppedSends       prometheus.Counter
	ActiveConnections  prometheus.Gauge
	ActiveContexts     prometheus.Gauge
}

// New creates and registers the bridge metrics. Go runtime and process
// collectors are registered alongside.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of decoded requests by request type",
			},
			[]string{"request_type"},
		),

		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of responses queued by response type",
			},
			[]string{"response_type"},
		),

		SequenceRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequence_rejections_total",
				Help:      "Requests rejected because they were out of sequence",
			},
			[]string{"request_type"},
		),

		DecodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Inbound messages that could not be decoded",
			},
		),

		DroppedSends: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_sends_total",
				Help:      "Responses discarded because the connection was closed",
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of open client connections",
			},
		),

		ActiveContexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_contexts",
				Help:      "Number of live contexts in the registry",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.SequenceRejections,
		m.DecodeFailures,
		m.DroppedSends,
		m.ActiveConnections,
		m.ActiveContexts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RequestReceived(kind protocol.Kind) {
	m.RequestsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ResponseSent(kind protocol.ResponseKind) {
	m.ResponsesTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SequenceRejected(kind protocol.Kind) {
	m.SequenceRejections.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) DecodeFailed() {
	m.DecodeFailures.Inc()
}

func (m *Metrics) SendDropped() {
	m.DroppedSends.Inc()
}

func (m *Metrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// SetActiveContexts matches registry.WithObserver
func (m *Metrics) SetActiveContexts(n int) {
	m.ActiveContexts.Set(float64(n))
}
