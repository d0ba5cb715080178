// Package metrics registers collectors with the default Prometheus registry,
// reusing collectors that were already registered under the same name.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every kubeploy metric.
const Namespace = "kubeploy"

// Register registers c, returning the previously registered collector of the
// same type when one exists.
func Register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// NewCounterVec builds and registers a counter vector.
func NewCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels))
}

// NewHistogramVec builds and registers a histogram vector.
func NewHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels))
}

// NewGauge builds and registers a gauge.
func NewGauge(subsystem, name, help string) prometheus.Gauge {
	return Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}))
}

// NewCounter builds and registers a counter.
func NewCounter(subsystem, name, help string) prometheus.Counter {
	return Register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}))
}
