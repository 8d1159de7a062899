package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not domain-specific)
type Metrics struct {
	// Agent metrics
	AgentStatus       *prometheus.GaugeVec
	MessagesReceived  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	RequestTimeouts   *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		AgentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agrimesh",
				Subsystem: "agent",
				Name:      "status",
				Help:      "Agent status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"agent"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"agent", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"agent", "type", "status"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"agent", "subject"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agrimesh",
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Message handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by classification",
			},
			[]string{"agent", "class"},
		),

		RequestTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "requests",
				Name:      "timeouts_total",
				Help:      "Total number of request/reply timeouts by target agent",
			},
			[]string{"agent", "target"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agrimesh",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agrimesh",
				Subsystem: "nats",
				Name:      "rtt_seconds",
				Help:      "NATS round-trip time in seconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agrimesh",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agrimesh",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "NATS circuit breaker state (1=open, 0=closed)",
			},
		),
	}
}

// ObserveHandler records a handler invocation duration
func (m *Metrics) ObserveHandler(agent, operation string, d time.Duration) {
	m.HandlerDuration.WithLabelValues(agent, operation).Observe(d.Seconds())
}
