package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the platform
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	executionsTotal *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	coldStartsTotal prometheus.Counter
	warmStartsTotal prometheus.Counter
	vmsCreated      prometheus.Counter
	vmsStopped      prometheus.Counter
	vmsCrashed      prometheus.Counter
	snapshotsHit    prometheus.Counter

	poolAcquires  *prometheus.CounterVec
	poolEvictions prometheus.Counter

	blobGets         *prometheus.CounterVec
	blobPuts         *prometheus.CounterVec
	blobBytesWritten prometheus.Counter

	checkpointOps *prometheus.CounterVec
	racesTotal    *prometheus.CounterVec
	raceCancelled prometheus.Counter

	// Histograms
	executionDuration  *prometheus.HistogramVec
	checkpointDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeVMs      prometheus.Gauge
	poolSize       *prometheus.GaugeVec
	memoryDedup    prometheus.Gauge
	memoryHugePgs  prometheus.Gauge
	memoryZramComp prometheus.Gauge
}

// Default histogram buckets for execution duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total request executions by mode and status",
			},
			[]string{"mode", "status"},
		),

		timeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Requests whose deadline fired",
			},
			[]string{"mode"},
		),

		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Executions that cold-created their sandbox",
			},
		),

		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Executions served from the warm pool",
			},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandboxes_created_total",
				Help:      "Sandboxes created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandboxes_stopped_total",
				Help:      "Sandboxes stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandboxes_crashed_total",
				Help:      "Sandboxes that died unexpectedly",
			},
		),

		snapshotsHit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_restores_total",
				Help:      "Sandboxes booted from a snapshot instead of cold",
			},
		),

		poolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquires_total",
				Help:      "Warm-pool acquisitions by outcome",
			},
			[]string{"outcome"},
		),

		poolEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_evictions_total",
				Help:      "Warm-pool entries destroyed by eviction or quarantine",
			},
		),

		blobGets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_gets_total",
				Help:      "Blob reads by serving tier",
			},
			[]string{"tier"},
		),

		blobPuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_puts_total",
				Help:      "Blob writes by dedup outcome",
			},
			[]string{"outcome"},
		),

		blobBytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_bytes_written_total",
				Help:      "Physical bytes written to the blob store",
			},
		),

		checkpointOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_operations_total",
				Help:      "Checkpoint engine operations",
			},
			[]string{"operation"},
		),

		racesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "branch_races_total",
				Help:      "Branch races by strategy",
			},
			[]string{"strategy"},
		),

		raceCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "branch_siblings_cancelled_total",
				Help:      "Losing branch siblings force-terminated",
			},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Execution duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		checkpointDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkpoint_duration_ms",
				Help:      "Checkpoint and restore duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		activeVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sandboxes",
				Help:      "Live sandboxes, held or pooled",
			},
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Warm-pool entries by environment and state",
			},
			[]string{"environment", "state"},
		),

		memoryDedup: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_dedup_ratio",
				Help:      "Kernel same-page merging sharing ratio",
			},
		),

		memoryHugePgs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_huge_pages",
				Help:      "Huge pages in use",
			},
		),

		memoryZramComp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_zram_compression_ratio",
				Help:      "Compressed swap compression ratio",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(global.startTime).Seconds() },
	)

	registry.MustRegister(
		pm.executionsTotal, pm.timeoutsTotal,
		pm.coldStartsTotal, pm.warmStartsTotal,
		pm.vmsCreated, pm.vmsStopped, pm.vmsCrashed, pm.snapshotsHit,
		pm.poolAcquires, pm.poolEvictions,
		pm.blobGets, pm.blobPuts, pm.blobBytesWritten,
		pm.checkpointOps, pm.racesTotal, pm.raceCancelled,
		pm.executionDuration, pm.checkpointDuration,
		pm.uptime, pm.activeVMs, pm.poolSize,
		pm.memoryDedup, pm.memoryHugePgs, pm.memoryZramComp,
	)

	promMetrics = pm
}

// RecordPrometheusExecution records an execution in Prometheus collectors
func RecordPrometheusExecution(mode string, durationMs int64, coldStart, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	promMetrics.executionsTotal.WithLabelValues(mode, status).Inc()
	promMetrics.executionDuration.WithLabelValues(mode).Observe(float64(durationMs))
	if coldStart {
		promMetrics.coldStartsTotal.Inc()
	} else {
		promMetrics.warmStartsTotal.Inc()
	}
}

// RecordPrometheusTimeout records a fired deadline
func RecordPrometheusTimeout(mode string) {
	if promMetrics == nil {
		return
	}
	promMetrics.timeoutsTotal.WithLabelValues(mode).Inc()
}

// RecordPrometheusVMCreated increments the sandbox creation counter
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped increments the sandbox stopped counter
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed increments the sandbox crashed counter
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusSnapshotHit increments the snapshot restore counter
func RecordPrometheusSnapshotHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotsHit.Inc()
}

// RecordPrometheusPoolAcquire records a pool acquisition outcome ("hit"
// or "miss")
func RecordPrometheusPoolAcquire(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolAcquires.WithLabelValues(outcome).Inc()
}

// RecordPrometheusPoolEviction increments the pool eviction counter
func RecordPrometheusPoolEviction() {
	if promMetrics == nil {
		return
	}
	promMetrics.poolEvictions.Inc()
}

// RecordPrometheusBlobGet records a blob read by serving tier
func RecordPrometheusBlobGet(hot bool) {
	if promMetrics == nil {
		return
	}
	tier := "warm"
	if hot {
		tier = "hot"
	}
	promMetrics.blobGets.WithLabelValues(tier).Inc()
}

// RecordPrometheusBlobPut records a blob write by dedup outcome
func RecordPrometheusBlobPut(bytes int64, dedup bool) {
	if promMetrics == nil {
		return
	}
	outcome := "written"
	if dedup {
		outcome = "dedup"
	} else {
		promMetrics.blobBytesWritten.Add(float64(bytes))
	}
	promMetrics.blobPuts.WithLabelValues(outcome).Inc()
}

// RecordPrometheusCheckpoint records a checkpoint engine operation
func RecordPrometheusCheckpoint(operation string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.checkpointOps.WithLabelValues(operation).Inc()
	if durationMs > 0 {
		promMetrics.checkpointDuration.WithLabelValues(operation).Observe(float64(durationMs))
	}
}

// RecordPrometheusRace records a branch race and its cancelled siblings
func RecordPrometheusRace(strategy string, cancelled int) {
	if promMetrics == nil {
		return
	}
	promMetrics.racesTotal.WithLabelValues(strategy).Inc()
	promMetrics.raceCancelled.Add(float64(cancelled))
}

// SetActiveVMs sets the live sandbox gauge
func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// SetPoolSize sets the warm-pool gauge for one environment
func SetPoolSize(environment string, free, held int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.WithLabelValues(environment, "free").Set(float64(free))
	promMetrics.poolSize.WithLabelValues(environment, "held").Set(float64(held))
}

// SetMemoryPoolGauges publishes the memory pool's measurements
func SetMemoryPoolGauges(dedupRatio float64, hugePages int64, zramRatio float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryDedup.Set(dedupRatio)
	promMetrics.memoryHugePgs.Set(float64(hugePages))
	promMetrics.memoryZramComp.Set(zramRatio)
}

// PrometheusHandler returns the scrape endpoint handler
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the registry for tests
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
