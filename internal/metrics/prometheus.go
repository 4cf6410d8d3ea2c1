package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on a private Prometheus
// registry, exposed over HTTP while the orchestrator is monitoring.
type PrometheusCollector struct {
	workersByState *prometheus.GaugeVec
	spawns         *prometheus.CounterVec
	spawnFailures  *prometheus.CounterVec
	replacements   *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	degraded       *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewPrometheus creates a Prometheus-backed collector.
func NewPrometheus() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	c.workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "poolhub",
			Name:      "workers",
			Help:      "Current number of workers by service and state",
		},
		[]string{"service", "state"},
	)

	c.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolhub",
			Name:      "worker_spawns_total",
			Help:      "Total number of successful worker spawns",
		},
		[]string{"service"},
	)

	c.spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolhub",
			Name:      "worker_spawn_failures_total",
			Help:      "Total number of failed worker spawn attempts",
		},
		[]string{"service"},
	)

	c.replacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolhub",
			Name:      "worker_replacements_total",
			Help:      "Total number of worker evictions by reason",
		},
		[]string{"service", "reason"},
	)

	c.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poolhub",
			Name:      "probe_duration_seconds",
			Help:      "Duration of health probes",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "result"},
	)

	c.degraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "poolhub",
			Name:      "pool_degraded",
			Help:      "1 when a pool has exhausted its spawn retry budget",
		},
		[]string{"service"},
	)

	c.registry.MustRegister(
		c.workersByState,
		c.spawns,
		c.spawnFailures,
		c.replacements,
		c.probeDuration,
		c.degraded,
	)
	return c
}

// WorkersByState sets the worker count gauge for one service and state.
func (c *PrometheusCollector) WorkersByState(service, state string, count int) {
	c.workersByState.WithLabelValues(service, state).Set(float64(count))
}

// WorkerSpawned counts a successful spawn.
func (c *PrometheusCollector) WorkerSpawned(service string) {
	c.spawns.WithLabelValues(service).Inc()
}

// WorkerReplaced counts an eviction.
func (c *PrometheusCollector) WorkerReplaced(service, reason string) {
	c.replacements.WithLabelValues(service, reason).Inc()
}

// SpawnFailed counts a failed spawn attempt.
func (c *PrometheusCollector) SpawnFailed(service string) {
	c.spawnFailures.WithLabelValues(service).Inc()
}

// ProbeObserved records one probe observation.
func (c *PrometheusCollector) ProbeObserved(service string, pass bool, d time.Duration) {
	result := "pass"
	if !pass {
		result = "fail"
	}
	c.probeDuration.WithLabelValues(service, result).Observe(d.Seconds())
}

// PoolDegraded sets the degraded flag gauge.
func (c *PrometheusCollector) PoolDegraded(service string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	c.degraded.WithLabelValues(service).Set(v)
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
