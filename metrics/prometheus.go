// Package metrics exposes protocol counters and gauges via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements the engine metrics hooks on a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	replaysSent       *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	violations        *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "haip"
	}
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes emitted to peers, by transport.",
		}, []string{"transport"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes accepted from peers, by transport.",
		}, []string{"transport"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Estimated bytes emitted to peers, by transport.",
		}, []string{"transport"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Estimated bytes accepted from peers, by transport.",
		}, []string{"transport"}),
		replaysSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_sent_total",
			Help:      "Envelopes re-emitted from the replay window, by transport.",
		}, []string{"transport"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently tracked, attached or detached.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened since start.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Protocol violations observed, by error code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		m.envelopesSent, m.envelopesReceived,
		m.bytesSent, m.bytesReceived,
		m.replaysSent,
		m.sessionsActive, m.sessionsTotal,
		m.violations,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

func (m *Prometheus) EnvelopeSent(transport string, bytes int) {
	m.envelopesSent.WithLabelValues(transport).Inc()
	m.bytesSent.WithLabelValues(transport).Add(float64(bytes))
}

func (m *Prometheus) EnvelopeReceived(transport string, bytes int) {
	m.envelopesReceived.WithLabelValues(transport).Inc()
	m.bytesReceived.WithLabelValues(transport).Add(float64(bytes))
}

func (m *Prometheus) ReplaySent(transport string) {
	m.replaysSent.WithLabelValues(transport).Inc()
}

func (m *Prometheus) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Prometheus) SessionClosed() {
	m.sessionsActive.Dec()
}

func (m *Prometheus) Violation(code string) {
	m.violations.WithLabelValues(code).Inc()
}
