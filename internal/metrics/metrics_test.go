package metrics

import (
	"testing"
	"time"
)

func TestRingAccumulatesWithinOneMinute(t *testing.T) {
	var r tsRing
	now := time.Unix(6000*60, 30)
	r.record(now, 10, false)
	r.record(now, 30, true)

	s := r.series()
	if len(s) != 1 {
		t.Fatalf("series len = %d, want 1", len(s))
	}
	if s[0]["executions"].(int64) != 2 || s[0]["errors"].(int64) != 1 {
		t.Errorf("bucket = %v", s[0])
	}
	if s[0]["avg_latency_ms"].(int64) != 20 {
		t.Errorf("avg = %v, want 20", s[0]["avg_latency_ms"])
	}
}

func TestRingAdvancesAcrossMinutes(t *testing.T) {
	var r tsRing
	base := time.Unix(6000*60, 0)
	r.record(base, 5, false)
	r.record(base.Add(3*time.Minute), 7, false)

	s := r.series()
	if len(s) != 2 {
		t.Fatalf("series len = %d, want 2 (empty minutes omitted)", len(s))
	}
	first, _ := time.Parse(time.RFC3339, s[0]["timestamp"].(string))
	second, _ := time.Parse(time.RFC3339, s[1]["timestamp"].(string))
	if got := second.Sub(first); got != 3*time.Minute {
		t.Errorf("bucket spacing = %s, want 3m", got)
	}
}

func TestRingDropsDataOlderThanWindow(t *testing.T) {
	var r tsRing
	base := time.Unix(6000*60, 0)
	r.record(base, 5, false)
	// Jump past the whole 24h window; the old bucket must be gone.
	r.record(base.Add((tsBuckets+10)*time.Minute), 9, false)

	s := r.series()
	if len(s) != 1 {
		t.Fatalf("series len = %d, want 1", len(s))
	}
	if s[0]["avg_latency_ms"].(int64) != 9 {
		t.Errorf("surviving bucket = %v, want the new one", s[0])
	}
}

func TestRingToleratesClockGoingBackwards(t *testing.T) {
	var r tsRing
	base := time.Unix(6000*60, 0)
	r.record(base, 5, false)
	r.record(base.Add(-2*time.Minute), 7, false)

	s := r.series()
	if len(s) != 1 {
		t.Fatalf("series len = %d, want 1 (fold into newest bucket)", len(s))
	}
	if s[0]["executions"].(int64) != 2 {
		t.Errorf("bucket = %v", s[0])
	}
}

func TestExtremesTracksMinAndMax(t *testing.T) {
	var e extremes
	if min, max := e.load(); min != 0 || max != 0 {
		t.Errorf("empty extremes = %d/%d, want 0/0", min, max)
	}
	e.observe(40)
	e.observe(10)
	e.observe(25)
	min, max := e.load()
	if min != 10 || max != 40 {
		t.Errorf("extremes = %d/%d, want 10/40", min, max)
	}
}

func TestRecordExecutionUpdatesModeStats(t *testing.T) {
	m := &Metrics{modes: make(map[string]*ModeMetrics), startTime: time.Now()}
	m.RecordExecution("cached", 12, false, true)
	m.RecordExecution("cached", 4, true, false)
	m.RecordExecution("ephemeral", 30, true, true)

	if m.TotalExecutions.Load() != 3 || m.SuccessExecutions.Load() != 2 || m.FailedExecutions.Load() != 1 {
		t.Errorf("totals = %d/%d/%d", m.TotalExecutions.Load(), m.SuccessExecutions.Load(), m.FailedExecutions.Load())
	}
	if m.ColdStarts.Load()+m.WarmStarts.Load() != m.TotalExecutions.Load() {
		t.Error("cold+warm must equal total")
	}

	stats := m.ModeStats()
	cached, ok := stats["cached"].(map[string]interface{})
	if !ok {
		t.Fatalf("no cached mode entry: %v", stats)
	}
	if cached["executions"].(int64) != 2 || cached["failures"].(int64) != 1 {
		t.Errorf("cached stats = %v", cached)
	}
	if cached["min_latency_ms"].(int64) != 4 || cached["max_latency_ms"].(int64) != 12 {
		t.Errorf("cached latency extremes = %v", cached)
	}
}

func TestSnapshotAveragesLatency(t *testing.T) {
	m := &Metrics{modes: make(map[string]*ModeMetrics), startTime: time.Now()}
	m.RecordExecution("ephemeral", 10, true, true)
	m.RecordExecution("ephemeral", 20, true, true)

	snap := m.Snapshot()
	if snap["avg_latency_ms"].(int64) != 15 {
		t.Errorf("avg = %v, want 15", snap["avg_latency_ms"])
	}
	if snap["cold_start_pct"].(float64) != 100.0 {
		t.Errorf("cold pct = %v, want 100", snap["cold_start_pct"])
	}
}
