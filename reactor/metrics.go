package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for an engine instance:
// one gauge for in-flight compute count, one gauge for scheduler queue
// depth, a latency histogram per node, and counters for cache hits/misses
// and worker crashes.
type Metrics struct {
	inflightNodes  prometheus.Gauge
	queueDepth     prometheus.Gauge
	computeLatency *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	workerCrashes  prometheus.Counter
}

// NewMetrics registers the engine's metrics with registry. A nil registry
// falls back to prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		inflightNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "inflight_nodes",
			Help:      "Number of node computes currently executing.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "queue_depth",
			Help:      "Number of dirty nodes waiting for dispatch.",
		}),
		computeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reactor",
			Name:      "compute_latency_ms",
			Help:      "Node compute duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "cache_hits_total",
			Help:      "Cache lookups served from the cache provider.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "cache_misses_total",
			Help:      "Cache lookups that required a fresh compute.",
		}),
		workerCrashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "worker_crashes_total",
			Help:      "Worker pool goroutines that recovered from a panic.",
		}),
	}
}

func (m *Metrics) observeCompute(nodeID, status string, ms float64) {
	if m == nil {
		return
	}
	m.computeLatency.WithLabelValues(nodeID, status).Observe(ms)
}

func (m *Metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) recordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) recordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) recordWorkerCrash() {
	if m == nil {
		return
	}
	m.workerCrashes.Inc()
}
