package microvm

import (
	"net"
	"testing"
)

func TestResourcePoolAcquireReleaseRoundTrip(t *testing.T) {
	p := newResourcePool[uint32]()
	p.fill([]uint32{100, 101, 102})

	a, ok := p.acquire()
	if !ok {
		t.Fatal("expected to acquire an item")
	}
	b, ok := p.acquire()
	if !ok || b == a {
		t.Fatalf("expected a second distinct item, got %d and %d", a, b)
	}

	p.release(a)
	c, ok := p.acquire()
	if !ok || c != a {
		t.Fatalf("expected released item %d to be reacquired, got %d", a, c)
	}
}

func TestResourcePoolExhaustion(t *testing.T) {
	p := newResourcePool[uint32]()
	p.fill([]uint32{1})

	if _, ok := p.acquire(); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := p.acquire(); ok {
		t.Fatal("expected second acquire to fail once pool is exhausted")
	}
}

func TestResourcePoolIgnoresDuplicateFill(t *testing.T) {
	p := newResourcePool[uint32]()
	p.fill([]uint32{1, 2})
	a, _ := p.acquire()
	p.fill([]uint32{a, 3}) // a is in use; fill must not hand it out again
	b, _ := p.acquire()
	if b == a {
		t.Fatalf("fill should not re-queue an item already in use: got %d twice", a)
	}
}

func TestIPToUint32RoundTrip(t *testing.T) {
	ip := uint32ToIP(ipToUint32(net.ParseIP("172.30.0.5")))
	if ip != "172.30.0.5" {
		t.Errorf("round trip = %q, want 172.30.0.5", ip)
	}
}

func TestGenerateMACIsDeterministic(t *testing.T) {
	a := generateMAC("abc123")
	b := generateMAC("abc123")
	if a != b {
		t.Errorf("generateMAC not deterministic: %q vs %q", a, b)
	}
	if generateMAC("different") == a {
		t.Error("expected different runtime ids to usually produce different MACs")
	}
}

func TestNetmaskFromCIDR(t *testing.T) {
	mask, err := netmaskFromCIDR("172.30.0.0/24")
	if err != nil {
		t.Fatalf("netmaskFromCIDR: %v", err)
	}
	if mask != "255.255.255.0" {
		t.Errorf("mask = %q, want 255.255.255.0", mask)
	}
}
