// Package metrics exposes Prometheus instrumentation for the gateway and
// the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus collectors. It owns a private
// registry so repeated construction (tests, embedded use) never trips
// duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	retriesTotal     *prometheus.CounterVec
	fallbacksTotal   prometheus.Counter

	instancesRunning *prometheus.GaugeVec
	scaleEvents      *prometheus.CounterVec
	reapedTotal      *prometheus.CounterVec
}

// NewCollector creates and registers all collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"protocol", "model", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hearth",
				Name:      "request_duration_seconds",
				Help:      "Dispatch duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"protocol", "model"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hearth",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being dispatched",
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "retries_total",
				Help:      "Total number of dispatch retries",
			},
			[]string{"model"},
		),
		fallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "fallbacks_total",
				Help:      "Total number of fallback reroutes",
			},
		),
		instancesRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hearth",
				Name:      "instances_running",
				Help:      "Running instances per endpoint",
			},
			[]string{"endpoint"},
		),
		scaleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "scale_events_total",
				Help:      "Auto-scale actions per endpoint and direction",
			},
			[]string{"endpoint", "direction"},
		),
		reapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "instances_reaped_total",
				Help:      "Instances force-removed for sustained unhealthiness",
			},
			[]string{"endpoint"},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.requestsInFlight,
		c.retriesTotal,
		c.fallbacksTotal,
		c.instancesRunning,
		c.scaleEvents,
		c.reapedTotal,
	)

	return c
}

// Handler returns the /metrics scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestStarted marks a dispatch beginning.
func (c *Collector) RequestStarted() {
	c.requestsInFlight.Inc()
}

// RequestFinished records a dispatch outcome.
func (c *Collector) RequestFinished(protocol, model, status string, seconds float64) {
	c.requestsInFlight.Dec()
	c.requestsTotal.WithLabelValues(protocol, model, status).Inc()
	c.requestDuration.WithLabelValues(protocol, model).Observe(seconds)
}

// RetryRecorded counts one dispatch retry.
func (c *Collector) RetryRecorded(model string) {
	c.retriesTotal.WithLabelValues(model).Inc()
}

// FallbackRecorded counts one fallback reroute.
func (c *Collector) FallbackRecorded() {
	c.fallbacksTotal.Inc()
}

// SetRunningInstances reports the running instance count for an endpoint.
func (c *Collector) SetRunningInstances(endpointID string, count int) {
	c.instancesRunning.WithLabelValues(endpointID).Set(float64(count))
}

// ScaleRecorded counts one auto-scale action.
func (c *Collector) ScaleRecorded(endpointID, direction string) {
	c.scaleEvents.WithLabelValues(endpointID, direction).Inc()
}

// ReapRecorded counts one reaped instance.
func (c *Collector) ReapRecorded(endpointID string) {
	c.reapedTotal.WithLabelValues(endpointID).Inc()
}
