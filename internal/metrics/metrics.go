// Package metrics defines the Prometheus collectors of the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mapkeeper"

type Metrics struct {
	Requests           *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	Checkpoints        *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram
	OpenScans          prometheus.Gauge
	ReapedScans        prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a dedicated registry,
// along with the Go runtime and process collectors.
func New() *Metrics {
	m := Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of requests by operation and response code.",
		}, []string{"op", "code"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Number of attempts retried after contention, by operation.",
		}, []string{"op"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Number of checkpoints by result.",
		}, []string{"result"}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Duration of checkpoints.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		OpenScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_scans",
			Help:      "Number of open multi round-trip scans.",
		}),
		ReapedScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_scans_total",
			Help:      "Number of scans closed after being idle for too long.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Requests,
		m.Retries,
		m.Checkpoints,
		m.CheckpointDuration,
		m.OpenScans,
		m.ReapedScans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry of the collectors.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
