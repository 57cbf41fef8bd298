// Package metrics collects and exposes runtime observability data for
// the execution platform.
//
// Two stores coexist: the in-process Metrics struct feeds the daemon's
// own JSON endpoints so an operator can inspect a bare host, and a
// Prometheus registry (prometheus.go) serves external scrapers. Every
// Record* method updates both.
//
// Counters are plain atomics. The only shared mutable structures are
// the per-mode table (a map under an RWMutex; reads vastly outnumber
// the one insert per mode) and the minute ring (a fixed array indexed
// by epoch minute, updated in O(1) under its own mutex). Latency
// extremes share a small mutex rather than compare-and-swap loops:
// RecordExecution already pays a sandbox round-trip, so two short
// critical sections are noise.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// tsBuckets is the ring capacity: one bucket per minute for 24 hours.
const tsBuckets = 24 * 60

// tsBucket accumulates one minute of request activity.
type tsBucket struct {
	count     int64
	errors    int64
	latencyMs int64 // summed; divide by count for the average
}

// tsRing is a circular per-minute store. head always points at the
// bucket for headMinute (minutes since the Unix epoch); recording into
// a later minute zeroes the skipped range, so a quiet hour costs a
// bounded sweep rather than per-minute upkeep.
type tsRing struct {
	mu         sync.Mutex
	buckets    [tsBuckets]tsBucket
	head       int
	headMinute int64
}

func epochMinute(t time.Time) int64 { return t.Unix() / 60 }

// record adds one request outcome to the bucket for now.
func (r *tsRing) record(now time.Time, durationMs int64, isError bool) {
	minute := epochMinute(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.headMinute == 0 {
		r.headMinute = minute
	}
	if minute < r.headMinute {
		// Clock went backwards; fold into the newest bucket.
		minute = r.headMinute
	}
	for r.headMinute < minute {
		r.head = (r.head + 1) % tsBuckets
		r.buckets[r.head] = tsBucket{}
		r.headMinute++
		if r.headMinute+tsBuckets <= minute {
			// Idle longer than the whole window: every bucket is
			// stale, so clear once and jump.
			r.buckets = [tsBuckets]tsBucket{}
			r.headMinute = minute
			break
		}
	}

	b := &r.buckets[r.head]
	b.count++
	if isError {
		b.errors++
	}
	b.latencyMs += durationMs
}

// series returns the non-empty buckets oldest first, each stamped with
// its minute's wall-clock time.
func (r *tsRing) series() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]map[string]interface{}, 0, 64)
	for age := tsBuckets - 1; age >= 0; age-- {
		idx := ((r.head-age)%tsBuckets + tsBuckets) % tsBuckets
		b := r.buckets[idx]
		if b.count == 0 {
			continue
		}
		ts := time.Unix((r.headMinute-int64(age))*60, 0).UTC()
		out = append(out, map[string]interface{}{
			"timestamp":      ts.Format(time.RFC3339),
			"executions":     b.count,
			"errors":         b.errors,
			"avg_latency_ms": b.latencyMs / b.count,
		})
	}
	return out
}

// extremes tracks a min/max pair. seen distinguishes "no samples yet"
// from a genuine zero-millisecond minimum.
type extremes struct {
	mu   sync.Mutex
	min  int64
	max  int64
	seen bool
}

func (e *extremes) observe(v int64) {
	e.mu.Lock()
	if !e.seen {
		e.min, e.max, e.seen = v, v, true
	} else {
		if v < e.min {
			e.min = v
		}
		if v > e.max {
			e.max = v
		}
	}
	e.mu.Unlock()
}

func (e *extremes) load() (min, max int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.min, e.max
}

// ModeMetrics accumulates per-execution-mode statistics.
type ModeMetrics struct {
	Executions atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	ColdStarts atomic.Int64
	WarmStarts atomic.Int64
	TotalMs    atomic.Int64
	latency    extremes
}

// Metrics is the in-process store. All fields are safe for concurrent
// use; construct only via Global.
type Metrics struct {
	// Execution counters
	TotalExecutions   atomic.Int64
	SuccessExecutions atomic.Int64
	FailedExecutions  atomic.Int64
	ColdStarts        atomic.Int64
	WarmStarts        atomic.Int64
	Timeouts          atomic.Int64
	TotalLatencyMs    atomic.Int64
	latency           extremes

	// Sandbox lifecycle
	VMsCreated   atomic.Int64
	VMsStopped   atomic.Int64
	VMsCrashed   atomic.Int64
	SnapshotsHit atomic.Int64

	// Warm pool
	PoolHits      atomic.Int64
	PoolMisses    atomic.Int64
	PoolEvictions atomic.Int64

	// Blob store
	BlobHits         atomic.Int64
	BlobMisses       atomic.Int64
	BlobDedupHits    atomic.Int64
	BlobBytesWritten atomic.Int64

	// Checkpoint engine
	CheckpointsCreated  atomic.Int64
	CheckpointsRestored atomic.Int64
	CheckpointsDeleted  atomic.Int64

	// Fork manager
	RacesRun      atomic.Int64
	RaceCancelled atomic.Int64 // losing siblings terminated

	modeMu sync.RWMutex
	modes  map[string]*ModeMetrics

	ring tsRing

	startTime time.Time
}

var global = &Metrics{
	modes:     make(map[string]*ModeMetrics),
	startTime: time.Now(),
}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

func (m *Metrics) mode(name string) *ModeMetrics {
	m.modeMu.RLock()
	mm, ok := m.modes[name]
	m.modeMu.RUnlock()
	if ok {
		return mm
	}
	m.modeMu.Lock()
	defer m.modeMu.Unlock()
	if mm, ok = m.modes[name]; ok {
		return mm
	}
	mm = &ModeMetrics{}
	m.modes[name] = mm
	return mm
}

// RecordExecution records a completed request dispatch: its mode, how
// long it took, whether its sandbox came cold or from the warm pool, and
// whether the platform succeeded (a user command exiting non-zero still
// counts as success here).
func (m *Metrics) RecordExecution(mode string, durationMs int64, coldStart, success bool) {
	m.TotalExecutions.Add(1)
	if success {
		m.SuccessExecutions.Add(1)
	} else {
		m.FailedExecutions.Add(1)
	}
	if coldStart {
		m.ColdStarts.Add(1)
	} else {
		m.WarmStarts.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	m.latency.observe(durationMs)

	mm := m.mode(mode)
	mm.Executions.Add(1)
	if success {
		mm.Successes.Add(1)
	} else {
		mm.Failures.Add(1)
	}
	if coldStart {
		mm.ColdStarts.Add(1)
	} else {
		mm.WarmStarts.Add(1)
	}
	mm.TotalMs.Add(durationMs)
	mm.latency.observe(durationMs)

	m.ring.record(time.Now(), durationMs, !success)
	RecordPrometheusExecution(mode, durationMs, coldStart, success)
}

// RecordTimeout records a request whose deadline fired.
func (m *Metrics) RecordTimeout(mode string) {
	m.Timeouts.Add(1)
	RecordPrometheusTimeout(mode)
}

// RecordVMCreated increments the sandbox-created counter.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped increments the sandbox-stopped counter.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed increments the sandbox-crashed counter.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordSnapshotHit increments the snapshot-restore counter.
func (m *Metrics) RecordSnapshotHit() {
	m.SnapshotsHit.Add(1)
	RecordPrometheusSnapshotHit()
}

// RecordPoolHit records a warm-pool acquisition served by a live entry.
func (m *Metrics) RecordPoolHit() {
	m.PoolHits.Add(1)
	RecordPrometheusPoolAcquire("hit")
}

// RecordPoolMiss records a warm-pool acquisition that had to cold-create.
func (m *Metrics) RecordPoolMiss() {
	m.PoolMisses.Add(1)
	RecordPrometheusPoolAcquire("miss")
}

// RecordPoolEviction records a warm-pool entry destroyed by idle
// eviction or quarantine.
func (m *Metrics) RecordPoolEviction() {
	m.PoolEvictions.Add(1)
	RecordPrometheusPoolEviction()
}

// RecordBlobGet records a blob read; hot reports whether the RAM tier
// served it.
func (m *Metrics) RecordBlobGet(hot bool) {
	if hot {
		m.BlobHits.Add(1)
	} else {
		m.BlobMisses.Add(1)
	}
	RecordPrometheusBlobGet(hot)
}

// RecordBlobPut records a blob write; dedup reports whether the content
// already existed and only a refcount was bumped.
func (m *Metrics) RecordBlobPut(bytes int64, dedup bool) {
	if dedup {
		m.BlobDedupHits.Add(1)
	} else {
		m.BlobBytesWritten.Add(bytes)
	}
	RecordPrometheusBlobPut(bytes, dedup)
}

// RecordCheckpoint records a checkpoint capture and its duration.
func (m *Metrics) RecordCheckpoint(durationMs int64) {
	m.CheckpointsCreated.Add(1)
	RecordPrometheusCheckpoint("checkpoint", durationMs)
}

// RecordRestore records a checkpoint restore and its duration.
func (m *Metrics) RecordRestore(durationMs int64) {
	m.CheckpointsRestored.Add(1)
	RecordPrometheusCheckpoint("restore", durationMs)
}

// RecordCheckpointDeleted records a checkpoint retirement.
func (m *Metrics) RecordCheckpointDeleted() {
	m.CheckpointsDeleted.Add(1)
	RecordPrometheusCheckpoint("delete", 0)
}

// RecordRace records a completed branch race and how many losing
// siblings were cancelled.
func (m *Metrics) RecordRace(strategy string, cancelled int) {
	m.RacesRun.Add(1)
	m.RaceCancelled.Add(int64(cancelled))
	RecordPrometheusRace(strategy, cancelled)
}

// Snapshot returns a point-in-time JSON-friendly view of all counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalExecutions.Load()
	avgLatency := int64(0)
	if total > 0 {
		avgLatency = m.TotalLatencyMs.Load() / total
	}
	minLatency, maxLatency := m.latency.load()
	coldPct := 0.0
	if total > 0 {
		coldPct = float64(m.ColdStarts.Load()) / float64(total) * 100
	}

	return map[string]interface{}{
		"uptime_seconds":       int64(time.Since(m.startTime).Seconds()),
		"total_executions":     total,
		"success_executions":   m.SuccessExecutions.Load(),
		"failed_executions":    m.FailedExecutions.Load(),
		"timeouts":             m.Timeouts.Load(),
		"cold_starts":          m.ColdStarts.Load(),
		"warm_starts":          m.WarmStarts.Load(),
		"cold_start_pct":       coldPct,
		"avg_latency_ms":       avgLatency,
		"min_latency_ms":       minLatency,
		"max_latency_ms":       maxLatency,
		"vms_created":          m.VMsCreated.Load(),
		"vms_stopped":          m.VMsStopped.Load(),
		"vms_crashed":          m.VMsCrashed.Load(),
		"snapshots_hit":        m.SnapshotsHit.Load(),
		"pool_hits":            m.PoolHits.Load(),
		"pool_misses":          m.PoolMisses.Load(),
		"pool_evictions":       m.PoolEvictions.Load(),
		"blob_hits":            m.BlobHits.Load(),
		"blob_misses":          m.BlobMisses.Load(),
		"blob_dedup_hits":      m.BlobDedupHits.Load(),
		"blob_bytes_written":   m.BlobBytesWritten.Load(),
		"checkpoints_created":  m.CheckpointsCreated.Load(),
		"checkpoints_restored": m.CheckpointsRestored.Load(),
		"checkpoints_deleted":  m.CheckpointsDeleted.Load(),
		"races_run":            m.RacesRun.Load(),
		"race_cancelled":       m.RaceCancelled.Load(),
	}
}

// ModeStats returns per-mode statistics keyed by mode name.
func (m *Metrics) ModeStats() map[string]interface{} {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()

	stats := make(map[string]interface{}, len(m.modes))
	for name, mm := range m.modes {
		execs := mm.Executions.Load()
		avg := int64(0)
		if execs > 0 {
			avg = mm.TotalMs.Load() / execs
		}
		minMs, maxMs := mm.latency.load()
		stats[name] = map[string]interface{}{
			"executions":     execs,
			"successes":      mm.Successes.Load(),
			"failures":       mm.Failures.Load(),
			"cold_starts":    mm.ColdStarts.Load(),
			"warm_starts":    mm.WarmStarts.Load(),
			"avg_latency_ms": avg,
			"min_latency_ms": minMs,
			"max_latency_ms": maxMs,
		}
	}
	return stats
}

// JSONHandler serves the Snapshot plus per-mode stats as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := m.Snapshot()
		snap["modes"] = m.ModeStats()
		json.NewEncoder(w).Encode(snap)
	})
}

// TimeSeries returns the last 24 hours of per-minute request activity,
// oldest first, empty minutes omitted.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	return m.ring.series()
}

// TimeSeriesHandler serves the time-series buckets as JSON.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}
