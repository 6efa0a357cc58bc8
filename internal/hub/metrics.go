package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "statehub"

// Metrics are the hub's Prometheus instruments.
type Metrics struct {
	connections prometheus.Gauge
	viewers     prometheus.Gauge
	handshakes  *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	broadcasts  prometheus.Counter
	sendErrors  *prometheus.CounterVec
}

// NewMetrics registers the instruments with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "device_connections",
			Help:      "Registered device connections",
		}),
		viewers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "viewers",
			Help:      "Attached viewer connections",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Device handshakes by outcome",
		}, []string{"outcome"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mutations_total",
			Help:      "State mutations by source and result",
		}, []string{"source", "result"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Change batches fanned out to viewers",
		}),
		sendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_errors_total",
			Help:      "Failed emits to viewers by event",
		}, []string{"event"}),
	}
}
