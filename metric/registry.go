// Package metric manages Prometheus metric registration for the runtime.
// Nodes accept a nil *Registry, which disables metrics entirely.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dusen0528/Node-Blue/errors"
)

// Registrar defines the interface for registering node-specific metrics
type Registrar interface {
	RegisterCounter(nodeName, metricName string, counter prometheus.Counter) error
	RegisterGauge(nodeName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(nodeName, metricName string, histogram prometheus.Histogram) error
	Unregister(nodeName, metricName string) bool
}

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a metrics registry with Go runtime and process
// collectors pre-registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()
	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
}

// SanitizeName maps an arbitrary node or port name onto the Prometheus
// metric name alphabet; anything else becomes an underscore. Node names
// carry hyphens and dots, which are invalid in a metric fqName.
func SanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Prometheus returns the underlying Prometheus registry
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// RegisterCounter registers a counter metric for a node
func (r *Registry) RegisterCounter(nodeName, metricName string, counter prometheus.Counter) error {
	return r.register(nodeName, metricName, counter, "RegisterCounter")
}

// RegisterGauge registers a gauge metric for a node
func (r *Registry) RegisterGauge(nodeName, metricName string, gauge prometheus.Gauge) error {
	return r.register(nodeName, metricName, gauge, "RegisterGauge")
}

// RegisterHistogram registers a histogram metric for a node
func (r *Registry) RegisterHistogram(nodeName, metricName string, histogram prometheus.Histogram) error {
	return r.register(nodeName, metricName, histogram, "RegisterHistogram")
}

// Unregister removes a previously registered metric. Returns true when the
// metric existed.
func (r *Registry) Unregister(nodeName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", nodeName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(collector)
}

func (r *Registry) register(nodeName, metricName string, collector prometheus.Collector, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", nodeName, metricName)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for node %s", metricName, nodeName),
			"Registry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", op,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", op, "prometheus registration")
	}

	r.registeredMetrics[key] = collector
	return nil
}
