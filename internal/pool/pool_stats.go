package pool

import (
	"time"

	"github.com/forgekit/forge/internal/domain"
)

// Stats returns a snapshot of every environment pool's occupancy,
// suitable for a JSON status endpoint.
func (p *Pool) Stats() map[string]interface{} {
	envStats := make(map[string]interface{})
	total := 0
	now := time.Now()

	p.pools.Range(func(key, value interface{}) bool {
		poolKey := key.(string)
		ep := value.(*environmentPool)

		ep.mu.RLock()
		total += len(ep.entries)
		entries := make([]map[string]interface{}, 0, len(ep.entries))
		freeCount := len(ep.free)
		for _, entry := range ep.entries {
			entries = append(entries, map[string]interface{}{
				"runtime_id": entry.Sandbox.RuntimeID,
				"state":      string(entry.Sandbox.State()),
				"held_by":    entry.HeldBy(),
				"dirty":      entry.Dirty,
				"idle_sec":   entry.Sandbox.IdleSince(now).Seconds(),
			})
		}
		waiters := ep.waiters
		ep.mu.RUnlock()

		envStats[poolKey] = map[string]interface{}{
			"total":   len(entries),
			"free":    freeCount,
			"waiters": waiters,
			"entries": entries,
		}
		return true
	})

	return map[string]interface{}{
		"total_sandboxes": total,
		"idle_ttl":        p.idleTTL.String(),
		"environments":    envStats,
	}
}

// EnvironmentStats returns the total, free, and held entry counts for a
// single (kind, env) pair.
func (p *Pool) EnvironmentStats(kind domain.SandboxKind, env domain.EnvironmentID) (total, free, held int) {
	key := poolKeyFor(kind, env)
	val, ok := p.pools.Load(key)
	if !ok {
		return 0, 0, 0
	}
	ep := val.(*environmentPool)
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	total = len(ep.entries)
	free = len(ep.free)
	held = total - free
	return
}

// Tracks reports whether any environment pool currently manages the
// Sandbox with runtimeID.
func (p *Pool) Tracks(runtimeID string) bool {
	found := false
	p.pools.Range(func(_, value interface{}) bool {
		ep := value.(*environmentPool)
		ep.mu.RLock()
		for _, entry := range ep.entries {
			if entry.Sandbox.RuntimeID == runtimeID {
				found = true
				break
			}
		}
		ep.mu.RUnlock()
		return !found
	})
	return found
}

// QueueDepth returns the number of goroutines currently waiting for an
// entry in the given (kind, env) pair's pool.
func (p *Pool) QueueDepth(kind domain.SandboxKind, env domain.EnvironmentID) int {
	key := poolKeyFor(kind, env)
	val, ok := p.pools.Load(key)
	if !ok {
		return 0
	}
	ep := val.(*environmentPool)
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.waiters
}
