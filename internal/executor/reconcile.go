package executor

import (
	"context"

	"github.com/forgekit/forge/internal/logging"
)

// strayLister is implemented by the Container Engine: sandboxes its
// daemon knows about that no live handle tracks.
type strayLister interface {
	ListStray(ctx context.Context) ([]string, error)
	RemoveStray(ctx context.Context, name string) error
}

// strayReaper is implemented by the MicroVM Engine: sockets and guest
// resources left behind by a crashed predecessor process.
type strayReaper interface {
	ReapStray(ctx context.Context) (int, error)
}

// Reconcile is the startup pass that reclaims sandboxes leaked by an
// abnormal exit: runtime handles that exist on the host but have no
// matching pool entry or persistent registration in this process. It is
// best-effort; a handle that cannot be reclaimed is logged and left for
// the next pass rather than failing startup.
func (e *Executor) Reconcile(ctx context.Context) {
	if lister, ok := e.containers.(strayLister); ok {
		strays, err := lister.ListStray(ctx)
		if err != nil {
			logging.Op().Warn("reconcile: list stray containers failed", "error", err)
		}
		for _, name := range strays {
			if err := lister.RemoveStray(ctx, name); err != nil {
				logging.Op().Warn("reconcile: remove stray container failed", "name", name, "error", err)
				continue
			}
			logging.Op().Info("reconcile: reclaimed stray container", "name", name)
		}
	}

	if reaper, ok := e.microvms.(strayReaper); ok {
		n, err := reaper.ReapStray(ctx)
		if err != nil {
			logging.Op().Warn("reconcile: reap stray microvm resources failed", "error", err)
		} else if n > 0 {
			logging.Op().Info("reconcile: reclaimed stray microvm resources", "count", n)
		}
	}

	// Anything either engine still tracks at startup predates this
	// process and has no owner; force-terminate it.
	for _, sb := range e.containers.ListSandboxes() {
		if e.ownedElsewhere(sb.RuntimeID) {
			continue
		}
		logging.Op().Info("reconcile: destroying untracked container sandbox", "runtime_id", sb.RuntimeID)
		_ = e.containers.Destroy(sb.RuntimeID)
	}
	for _, sb := range e.microvms.ListSandboxes() {
		if e.ownedElsewhere(sb.RuntimeID) {
			continue
		}
		logging.Op().Info("reconcile: destroying untracked microvm sandbox", "runtime_id", sb.RuntimeID)
		_ = e.microvms.Stop(sb.RuntimeID)
	}
}

// ownedElsewhere reports whether runtimeID has a live owner: a warm-pool
// entry or a persistent registration.
func (e *Executor) ownedElsewhere(runtimeID string) bool {
	e.persistentMu.RLock()
	_, persistent := e.persistent[runtimeID]
	e.persistentMu.RUnlock()
	if persistent {
		return true
	}
	return e.pool != nil && e.pool.Tracks(runtimeID)
}
