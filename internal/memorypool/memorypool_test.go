package memorypool

import "testing"

func TestAllocateReturnsRequestedSize(t *testing.T) {
	p := &Pool{}
	buf := p.Allocate(1)
	if len(buf) != 1*1024*1024 {
		t.Errorf("Allocate(1) len = %d, want %d", len(buf), 1*1024*1024)
	}
}

func TestMetricsSnapshotIsIndependentCopy(t *testing.T) {
	p := &Pool{}
	m1 := p.Metrics()
	m1.DedupRatio = 0.9
	m2 := p.Metrics()
	if m2.DedupRatio == 0.9 {
		t.Error("Metrics() returned a shared reference, mutation leaked")
	}
}

func TestAutoTuneKSMNoopWhenDisabled(t *testing.T) {
	p := &Pool{}
	p.AutoTuneKSM()
	if p.Metrics().LastTunedAt.IsZero() == false {
		t.Error("AutoTuneKSM should not update LastTunedAt when KSM is disabled")
	}
}

func TestAllocateAccumulatesTotalAllocated(t *testing.T) {
	p := &Pool{}
	p.Allocate(2)
	p.Allocate(3)
	if got := p.Metrics().TotalAllocatedMB; got != 5 {
		t.Errorf("TotalAllocatedMB = %d, want 5", got)
	}
}
