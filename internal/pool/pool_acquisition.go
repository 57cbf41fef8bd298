// pool_acquisition.go contains the Sandbox acquisition path: the hot
// path every Request traverses to obtain a warm entry or trigger a
// cold start.
package pool

import (
	"context"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
)

// takeFreeLocked pops the most recently released entry from ep.free and
// claims it on behalf of holder, skipping any stale entries it finds
// already held by someone else (should not normally happen, since
// membership in free implies no holder, but the loop keeps the
// invariant self-healing rather than load-bearing).
//
// The free slice is used as a stack (LIFO) so the most recently used
// Sandbox is preferred, maximising the chance its process cache is warm.
//
// Must be called with ep.mu held (write lock).
func takeFreeLocked(ep *environmentPool, holder string) *domain.WarmPoolEntry {
	for len(ep.free) > 0 {
		last := len(ep.free) - 1
		entry := ep.free[last]
		ep.free = ep.free[:last]
		if !entry.TryAcquire(holder) {
			continue
		}
		return entry
	}
	return nil
}

// waitForEntryLocked suspends the calling goroutine until either an
// entry is released (signalled via ep.cond) or the context is
// cancelled.
//
// Must be called with ep.mu held (write lock). Releases the lock via
// cond.Wait and re-acquires it before returning.
func waitForEntryLocked(ctx context.Context, ep *environmentPool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.waiters++
	defer func() { ep.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ep.mu.Lock()
			ep.cond.Broadcast()
			ep.mu.Unlock()
		case <-done:
		}
	}()

	ep.cond.Wait()
	close(done)
	return ctx.Err()
}

// Acquire returns a warm entry for req's (Kind, Env) pair, exclusively
// claimed on behalf of holder, booting a new Sandbox if none is free
// and the per-environment and global capacity ceilings allow it.
//
// # Admission control
//
//  1. If a free entry exists, claim and return it immediately (fast path).
//  2. If a new Sandbox can be created (below the per-environment cap and
//     the global cap), break out of the loop and create one.
//  3. Otherwise wait on the environment pool's condition variable until
//     an entry is released or ctx is cancelled.
//
// The singleflight group deduplicates concurrent cold-start attempts
// for the same (Kind, Env) pair: goroutines that race into Acquire
// with nothing free and room to create share one in-flight Sandbox
// boot. Because warm-pool entries are exclusive, only the
// request that triggered the shared boot may claim its Sandbox; the
// others re-check capacity and either take something freed in the
// meantime or create their own.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest, holder string) (*domain.WarmPoolEntry, error) {
	key := poolKeyFor(req.Kind, req.Env)
	ep := p.getOrCreatePool(key)

	for {
		ep.mu.Lock()
		if entry := takeFreeLocked(ep, holder); entry != nil {
			ep.mu.Unlock()
			logging.Op().Debug("reusing warm sandbox", "runtime_id", entry.Sandbox.RuntimeID, "env", req.Env)
			entry.Sandbox.Touch()
			metrics.Global().RecordPoolHit()
			return entry, nil
		}

		maxReps := ep.maxReplicas.Load()
		canCreate := maxReps == 0 || int32(len(ep.entries)) < maxReps
		if canCreate {
			globalMax := p.maxGlobal.Load()
			if globalMax > 0 && int32(p.TotalCount()) >= globalMax {
				ep.mu.Unlock()
				return nil, ErrGlobalCapacity
			}
			ep.mu.Unlock()
			break
		}

		if err := waitForEntryLocked(ctx, ep); err != nil {
			ep.mu.Unlock()
			return nil, err
		}
		ep.mu.Unlock()
	}

	if err := p.ctx.Err(); err != nil {
		return nil, err
	}

	originated := false
	val, err, shared := p.group.Do(key, func() (interface{}, error) {
		originated = true
		return p.createSandbox(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	sandbox := val.(*domain.Sandbox)

	if shared && !originated {
		ep.mu.Lock()
		if existing := takeFreeLocked(ep, holder); existing != nil {
			ep.mu.Unlock()
			existing.Sandbox.Touch()
			return existing, nil
		}
		maxReps := ep.maxReplicas.Load()
		canCreate := maxReps == 0 || int32(len(ep.entries)) < maxReps
		ep.mu.Unlock()
		if !canCreate {
			return nil, ErrCapacityLimit
		}
		sandbox, err = p.createSandbox(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	entry := &domain.WarmPoolEntry{Sandbox: sandbox, Env: req.Env}
	entry.TryAcquire(holder)

	ep.mu.Lock()
	ep.entries = append(ep.entries, entry)
	if ep.waiters > 0 {
		ep.cond.Signal()
	}
	ep.mu.Unlock()
	p.totalSandboxes.Add(1)
	metrics.SetActiveVMs(p.TotalCount())
	metrics.Global().RecordPoolMiss()
	logging.Op().Info("sandbox ready", "runtime_id", sandbox.RuntimeID, "env", req.Env)
	return entry, nil
}

// Release returns entry to the warm pool after a successful request,
// signalling any goroutine waiting on the entry's environment pool.
//
// If dirty is true, the owning backend's Reset is invoked synchronously
// before the entry rejoins the free list, so that anything handed out
// of ep.free is guaranteed clean; a Reset failure evicts the entry
// instead of returning it to the pool.
//
// Only the first call per Acquire takes effect: after it, holder no
// longer holds the entry, so a repeated call is logged and ignored.
func (p *Pool) Release(entry *domain.WarmPoolEntry, holder string, dirty bool) {
	if entry.HeldBy() != holder {
		logging.Op().Warn("release from non-holder ignored", "runtime_id", entry.Sandbox.RuntimeID, "holder", holder)
		return
	}
	entry.Release(holder)
	entry.Sandbox.Touch()

	if dirty {
		if err := p.resetSandbox(entry.Sandbox); err != nil {
			logging.Op().Warn("dirty sandbox reset failed, evicting", "runtime_id", entry.Sandbox.RuntimeID, "error", err)
			p.EvictEntry(entry)
			return
		}
		entry.Dirty = false
	}

	key := poolKeyFor(entry.Sandbox.Kind, entry.Env)
	ep := p.getOrCreatePool(key)
	ep.mu.Lock()
	ep.free = append(ep.free, entry)
	if ep.waiters > 0 {
		ep.cond.Signal()
	}
	ep.mu.Unlock()
}

// EvictEntry removes entry from its pool and destroys the underlying
// Sandbox asynchronously. Safe to call whether or not entry is
// currently held.
func (p *Pool) EvictEntry(entry *domain.WarmPoolEntry) {
	p.removeEntry(entry)
	metrics.Global().RecordPoolEviction()
	sandbox := entry.Sandbox
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async sandbox eviction", "panic", r)
			}
		}()
		if err := p.destroySandbox(sandbox); err != nil {
			logging.Op().Warn("sandbox destroy failed", "runtime_id", sandbox.RuntimeID, "error", err)
		}
	}()
}
