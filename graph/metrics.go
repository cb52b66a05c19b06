package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Executor metrics for Prometheus.
//
// Metrics exposed (all namespaced with "pipeflow_"):
//
//  1. inflight_nodes (gauge): nodes submitted to the backend and not yet finished.
//  2. ready_nodes (gauge): nodes whose inputs are available but that wait for a
//     dispatch slot.
//  3. node_latency_ms (histogram): submit-to-completion time per node.
//     Labels: node, status (succeeded, failed).
//  4. cache_lookups_total (counter): cache lookups. Labels: result (hit, miss).
//  5. node_failures_total (counter): failed nodes. Labels: reason.
//  6. runs_total (counter): finished runs. Labels: status.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	exec, _ := graph.NewExecutor(backend, store, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	readyNodes    prometheus.Gauge

	nodeLatency *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	failures     *prometheus.CounterVec
	runs         *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates the collectors and registers them with
// registry. A nil registry selects prometheus.DefaultRegisterer.
//
// Node latencies span milliseconds (in-process nodes) to hours (batch jobs),
// so the histogram buckets are exponential from 1ms to about 4.6h.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeflow",
		Name:      "inflight_nodes",
		Help:      "Nodes submitted to the backend that have not finished",
	})

	pm.readyNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeflow",
		Name:      "ready_nodes",
		Help:      "Nodes with all inputs available waiting for a dispatch slot",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeflow",
		Name:      "node_latency_ms",
		Help:      "Node execution time in milliseconds, from submission to completion",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 13),
	}, []string{"node", "status"})

	pm.cacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeflow",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by result",
	}, []string{"result"})

	pm.failures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeflow",
		Name:      "node_failures_total",
		Help:      "Failed nodes by failure reason",
	}, []string{"reason"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeflow",
		Name:      "runs_total",
		Help:      "Finished runs by final status",
	}, []string{"status"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// UpdateInflightNodes sets the number of in-flight nodes.
func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Set(float64(count))
}

// UpdateReadyNodes sets the number of nodes waiting for a dispatch slot.
func (pm *PrometheusMetrics) UpdateReadyNodes(count int) {
	if !pm.on() {
		return
	}
	pm.readyNodes.Set(float64(count))
}

// RecordNodeLatency observes how long a node ran.
func (pm *PrometheusMetrics) RecordNodeLatency(node string, latency time.Duration, status NodeState) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(node, string(status)).Observe(float64(latency.Milliseconds()))
}

// RecordCacheLookup counts one cache hit or miss.
func (pm *PrometheusMetrics) RecordCacheLookup(hit bool) {
	if !pm.on() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	pm.cacheLookups.WithLabelValues(result).Inc()
}

// IncrementFailures counts one failed node.
func (pm *PrometheusMetrics) IncrementFailures(reason Reason) {
	if !pm.on() {
		return
	}
	pm.failures.WithLabelValues(string(reason)).Inc()
}

// IncrementRuns counts one finished run.
func (pm *PrometheusMetrics) IncrementRuns(status RunStatus) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(string(status)).Inc()
}

// Disable stops recording until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightNodes.Set(0)
	pm.readyNodes.Set(0)
}
