package pool

import (
	"sync"
	"time"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
)

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanupExpired()
		}
	}
}

// cleanupExpired scans every environment pool's free list and evicts
// entries that have sat idle longer than IdleTTL. Held entries are
// never touched here; exclusive acquisition means only Release (or a request
// timeout upstream that calls Release/Quarantine) can return an entry
// to free in the first place.
//
// # Side effects
//
// Destroy calls are dispatched asynchronously (goroutine per Sandbox)
// after the pool lock is released, so idle-check latency never blocks
// on backend teardown I/O.
func (p *Pool) cleanupExpired() {
	now := time.Now()
	var toDestroy []*domain.Sandbox

	p.pools.Range(func(_, value interface{}) bool {
		ep := value.(*environmentPool)

		ep.mu.Lock()
		var keptFree []*domain.WarmPoolEntry
		var keptEntries []*domain.WarmPoolEntry
		evicted := make(map[*domain.WarmPoolEntry]struct{})

		for _, entry := range ep.free {
			if entry.Sandbox.IdleSince(now) > p.idleTTL {
				logging.Op().Info("sandbox idle-expired",
					"runtime_id", entry.Sandbox.RuntimeID,
					"env", entry.Env,
					"idle", entry.Sandbox.IdleSince(now).Round(time.Second).String())
				evicted[entry] = struct{}{}
				toDestroy = append(toDestroy, entry.Sandbox)
				continue
			}
			keptFree = append(keptFree, entry)
		}
		for _, entry := range ep.entries {
			if _, gone := evicted[entry]; gone {
				continue
			}
			keptEntries = append(keptEntries, entry)
		}
		ep.free = keptFree
		ep.entries = keptEntries
		removed := len(evicted)
		ep.mu.Unlock()

		if removed > 0 {
			p.totalSandboxes.Add(int32(-removed))
			for i := 0; i < removed; i++ {
				metrics.Global().RecordPoolEviction()
			}
		}
		return true
	})

	if len(toDestroy) == 0 {
		return
	}
	metrics.SetActiveVMs(p.TotalCount())

	for _, sandbox := range toDestroy {
		go func(sb *domain.Sandbox) {
			defer func() {
				if r := recover(); r != nil {
					logging.Op().Error("recovered panic in async idle-eviction destroy", "panic", r)
				}
			}()
			if err := p.destroySandbox(sb); err != nil {
				logging.Op().Warn("idle sandbox destroy failed", "runtime_id", sb.RuntimeID, "error", err)
			}
		}(sandbox)
	}
}

// Shutdown stops the cleanup loop and destroys every Sandbox, held or
// free, blocking until all teardown calls complete or a 10s timeout
// elapses.
func (p *Pool) Shutdown() {
	p.cancel()

	var toStop []*domain.Sandbox
	p.pools.Range(func(_, value interface{}) bool {
		ep := value.(*environmentPool)
		ep.mu.Lock()
		for _, entry := range ep.entries {
			toStop = append(toStop, entry.Sandbox)
		}
		ep.entries = nil
		ep.free = nil
		ep.mu.Unlock()
		return true
	})
	p.totalSandboxes.Store(0)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, sb := range toStop {
			wg.Add(1)
			go func(sb *domain.Sandbox) {
				defer wg.Done()
				if err := p.destroySandbox(sb); err != nil {
					logging.Op().Warn("shutdown sandbox destroy failed", "runtime_id", sb.RuntimeID, "error", err)
				}
			}(sb)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logging.Op().Warn("pool shutdown timed out after 10s")
	}
}
