// Package memorypool tunes host-kernel memory subsystems that benefit
// sandbox density: KSM page deduplication across identical sandbox
// memory regions, Transparent Huge Pages for large checkpoint restores,
// and zram-backed compressed swap. Every tunable is independently
// best-effort — a platform without KSM support, or one running without
// the privilege to write sysfs, still starts up normally with the
// corresponding feature reported disabled.
package memorypool

import (
	"sync"
	"time"

	"github.com/forgekit/forge/internal/metrics"
)

// Metrics is a snapshot of the pool's current tuning state and
// measurements. The platform's behavior never depends on any of these;
// a host where every knob is unavailable reports zeroes.
type Metrics struct {
	KSMEnabled       bool
	THPEnabled       bool
	ZRAMEnabled      bool
	TotalAllocatedMB int64
	DedupRatio       float64
	HugePageCount    int64
	CompressionRatio float64
	LastTunedAt      time.Time
}

// Pool owns the host memory-tuning state. It has no per-allocation
// bookkeeping of its own; sandboxes allocate memory through their
// respective engines (container cgroups, microVM guest memory) and this
// pool only adjusts kernel-wide policy knobs that make those
// allocations cheaper to share and restore.
type Pool struct {
	mu      sync.RWMutex
	metrics Metrics
}

// New probes and enables whichever of KSM/THP/zram are available on this
// host, logging (not erroring) on anything unsupported or unwritable.
func New(zramSizeGB int) *Pool {
	p := &Pool{}
	p.metrics.KSMEnabled = enableKSM()
	p.metrics.THPEnabled = enableTHP()
	go func() {
		p.mu.Lock()
		p.metrics.ZRAMEnabled = setupZRAM(zramSizeGB)
		p.mu.Unlock()
	}()
	return p
}

// AutoTuneKSM adjusts KSM's scan aggressiveness based on the observed
// sharing ratio: below 0.1 backs scanning off, above 0.3 scans harder.
// It also refreshes the measurement snapshot and publishes it.
func (p *Pool) AutoTuneKSM() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.metrics.KSMEnabled {
		return
	}
	ratio := ksmDedupRatio()
	switch {
	case ratio < 0.1:
		tuneKSMScan(100)
	case ratio > 0.3:
		tuneKSMScan(5000)
	}
	p.metrics.DedupRatio = ratio
	p.metrics.HugePageCount = hugePageCount()
	if p.metrics.ZRAMEnabled {
		p.metrics.CompressionRatio = zramCompressionRatio()
	}
	p.metrics.LastTunedAt = time.Now()
	metrics.SetMemoryPoolGauges(p.metrics.DedupRatio, p.metrics.HugePageCount, p.metrics.CompressionRatio)
}

// Metrics returns a snapshot of the pool's current state.
func (p *Pool) Metrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// Allocate returns a zeroed buffer of sizeMB megabytes, advising the
// kernel to back it with transparent huge pages when THP is enabled and
// the request is large enough to benefit (>= 2MB aligned).
func (p *Pool) Allocate(sizeMB int) []byte {
	sizeBytes := sizeMB * 1024 * 1024
	buf := make([]byte, sizeBytes)

	p.mu.Lock()
	thp := p.metrics.THPEnabled
	p.metrics.TotalAllocatedMB += int64(sizeMB)
	p.mu.Unlock()
	if thp && sizeBytes >= 2*1024*1024 {
		adviseHugePage(buf)
	}
	return buf
}
