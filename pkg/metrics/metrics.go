// Package metrics exposes Prometheus instrumentation for the rollout
// controller's control plane and routing decisions.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
)

const namespace = "model_rollout"

// Metrics bundles the controller's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	routeDecisions *prometheus.CounterVec
	routeFailures  *prometheus.CounterVec
	rolloutEvents  *prometheus.CounterVec
	sampleLatency  *prometheus.HistogramVec
}

// New registers the controller collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		routeDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Routing decisions by model and endpoint.",
		}, []string{"model", "endpoint"}),
		routeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_failures_total",
			Help:      "Requests with no healthy endpoint, by model.",
		}, []string{"model"}),
		rolloutEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_events_total",
			Help:      "Rollout notifications by kind and model.",
		}, []string{"kind", "model"}),
		sampleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Recorded request latencies by endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint"}),
	}
}

// Routed implements the router's Observer.
func (m *Metrics) Routed(model, endpointID string) {
	m.routeDecisions.WithLabelValues(model, endpointID).Inc()
}

// RouteFailed counts a routing hard error.
func (m *Metrics) RouteFailed(model string) {
	m.routeFailures.WithLabelValues(model).Inc()
}

// ObserveSample mirrors a recorded request sample into the latency
// histogram.
func (m *Metrics) ObserveSample(endpointID string, latency time.Duration) {
	m.sampleLatency.WithLabelValues(endpointID).Observe(latency.Seconds())
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentedSink decorates a notification sink with event counters.
type InstrumentedSink struct {
	metrics *Metrics
	inner   interfaces.NotificationSink
}

// WrapSink returns a sink that counts events before forwarding them.
// inner may be nil, in which case events are only counted.
func (m *Metrics) WrapSink(inner interfaces.NotificationSink) *InstrumentedSink {
	return &InstrumentedSink{metrics: m, inner: inner}
}

// Notify implements interfaces.NotificationSink.
func (s *InstrumentedSink) Notify(ctx context.Context, event interfaces.Event) {
	s.metrics.rolloutEvents.WithLabelValues(string(event.Kind), event.Model).Inc()
	if s.inner != nil {
		s.inner.Notify(ctx, event)
	}
}
