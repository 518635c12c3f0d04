// Package metrics exposes Prometheus instrumentation for the execution
// pipeline: task outcomes, VM lifecycle, dependency-image cache behavior,
// and vsock round-trip latency.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the pulsar daemons.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal       *prometheus.CounterVec
	vmsCreated       prometheus.Counter
	vmsStopped       prometheus.Counter
	vmsCrashed       prometheus.Counter
	imageCacheHits   prometheus.Counter
	imageCacheMisses prometheus.Counter

	vmBootDuration     prometheus.Histogram
	imageBuildDuration prometheus.Histogram
	backtestDuration   prometheus.Histogram
	vsockLatency       *prometheus.HistogramVec

	activeTasks   prometheus.Gauge
	activeStreams prometheus.Gauge
}

// Default histogram buckets in milliseconds.
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000, 300000}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Global returns the process-wide metrics instance, initializing it on
// first use.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = newMetrics("pulsar")
	}
	return global
}

func newMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total backtest tasks by terminal status",
			},
			[]string{"status"},
		),
		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_created_total",
			Help:      "Total microVMs booted",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_stopped_total",
			Help:      "Total microVMs torn down",
		}),
		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_crashed_total",
			Help:      "Total hypervisor processes that exited before boot completed",
		}),
		imageCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_hits_total",
			Help:      "Dependency image cache hits",
		}),
		imageCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_misses_total",
			Help:      "Dependency image cache misses (builds)",
		}),

		vmBootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_duration_ms",
			Help:      "Time from hypervisor spawn to InstanceStart accepted",
			Buckets:   defaultBuckets,
		}),
		imageBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_build_duration_ms",
			Help:      "Dependency image build time on cache miss",
			Buckets:   defaultBuckets,
		}),
		backtestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backtest_duration_ms",
			Help:      "Guest execution time from payload send to result frame",
			Buckets:   defaultBuckets,
		}),
		vsockLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vsock_latency_ms",
				Help:      "Vsock operation latency",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"operation"},
		),

		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks currently being executed by this worker",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open websocket streams on this API instance",
		}),
	}

	registry.MustRegister(
		m.tasksTotal, m.vmsCreated, m.vmsStopped, m.vmsCrashed,
		m.imageCacheHits, m.imageCacheMisses,
		m.vmBootDuration, m.imageBuildDuration, m.backtestDuration, m.vsockLatency,
		m.activeTasks, m.activeStreams,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTask(status string)       { m.tasksTotal.WithLabelValues(status).Inc() }
func (m *Metrics) RecordVMCreated()               { m.vmsCreated.Inc() }
func (m *Metrics) RecordVMStopped()               { m.vmsStopped.Inc() }
func (m *Metrics) RecordVMCrashed()               { m.vmsCrashed.Inc() }
func (m *Metrics) RecordImageCacheHit()           { m.imageCacheHits.Inc() }
func (m *Metrics) RecordImageCacheMiss()          { m.imageCacheMisses.Inc() }
func (m *Metrics) ObserveBoot(ms float64)         { m.vmBootDuration.Observe(ms) }
func (m *Metrics) ObserveImageBuild(ms float64)   { m.imageBuildDuration.Observe(ms) }
func (m *Metrics) ObserveBacktest(ms float64)     { m.backtestDuration.Observe(ms) }
func (m *Metrics) TaskStarted()                   { m.activeTasks.Inc() }
func (m *Metrics) TaskFinished()                  { m.activeTasks.Dec() }
func (m *Metrics) StreamOpened()                  { m.activeStreams.Inc() }
func (m *Metrics) StreamClosed()                  { m.activeStreams.Dec() }

// RecordVsockLatency records a vsock operation latency in milliseconds.
func RecordVsockLatency(operation string, ms float64) {
	Global().vsockLatency.WithLabelValues(operation).Observe(ms)
}
