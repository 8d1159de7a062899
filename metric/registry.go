package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/krishio/agrimesh/errors"
)

// MetricsRegistrar defines the interface for registering agent-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(agentName, metricName string, counter prometheus.Counter) error
	RegisterGauge(agentName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(agentName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(agentName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(agentName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(agentName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(agentName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core platform metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under the agent.metric key, guarding against
// duplicate registration both locally and in Prometheus.
func (r *MetricsRegistry) register(agentName, metricName, kind string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", agentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for agent %s", metricName, agentName),
			"MetricsRegistry", "Register"+kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register"+kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register"+kind,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for an agent
func (r *MetricsRegistry) RegisterCounter(agentName, metricName string, counter prometheus.Counter) error {
	return r.register(agentName, metricName, "Counter", counter)
}

// RegisterGauge registers a gauge metric for an agent
func (r *MetricsRegistry) RegisterGauge(agentName, metricName string, gauge prometheus.Gauge) error {
	return r.register(agentName, metricName, "Gauge", gauge)
}

// RegisterHistogram registers a histogram metric for an agent
func (r *MetricsRegistry) RegisterHistogram(agentName, metricName string, histogram prometheus.Histogram) error {
	return r.register(agentName, metricName, "Histogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for an agent
func (r *MetricsRegistry) RegisterCounterVec(agentName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(agentName, metricName, "CounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for an agent
func (r *MetricsRegistry) RegisterGaugeVec(agentName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(agentName, metricName, "GaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for an agent
func (r *MetricsRegistry) RegisterHistogramVec(
	agentName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(agentName, metricName, "HistogramVec", histogramVec)
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(agentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", agentName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

// registerCoreMetrics registers all core platform metrics
func (r *MetricsRegistry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.AgentStatus,
		r.Metrics.MessagesReceived,
		r.Metrics.MessagesProcessed,
		r.Metrics.MessagesPublished,
		r.Metrics.HandlerDuration,
		r.Metrics.ErrorsTotal,
		r.Metrics.RequestTimeouts,
		r.Metrics.NATSConnected,
		r.Metrics.NATSRTT,
		r.Metrics.NATSReconnects,
		r.Metrics.NATSCircuitBreaker,
	)
}
