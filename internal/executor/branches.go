package executor

import (
	"context"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/fork"
)

// The Fork Manager addresses children by the runtime ids it was handed
// in ChildSpec; the MicroVM Engine mints its own ids at Launch. These
// three adapters translate between the two namespaces through
// Executor.branches.

type branchRestorer struct{ e *Executor }

func (r branchRestorer) Restore(ctx context.Context, checkpointID, newRuntimeID string) error {
	r.e.branchMu.RLock()
	child, ok := r.e.branches[newRuntimeID]
	r.e.branchMu.RUnlock()
	if !ok {
		return domain.Errorf(domain.KindInvalidRequest, "unknown branch child: %s", newRuntimeID)
	}

	sb, err := r.e.archiver.Restore(ctx, checkpointID, child.env, child.tenant, r.e.cfg.VMMemoryMB, r.e.cfg.VMVCPUs)
	if err != nil {
		return err
	}
	r.e.branchMu.Lock()
	child.actualID = sb.RuntimeID
	r.e.branchMu.Unlock()
	return nil
}

type branchRunner struct{ e *Executor }

func (r branchRunner) Run(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	actual, err := r.e.resolveBranch(runtimeID)
	if err != nil {
		return nil, err
	}
	return r.e.microvms.AttachRun(ctx, actual, req)
}

type branchTerminator struct{ e *Executor }

func (t branchTerminator) Terminate(runtimeID string) error {
	actual, err := t.e.resolveBranch(runtimeID)
	if err != nil {
		return err
	}
	return t.e.microvms.Stop(actual)
}

func (e *Executor) resolveBranch(runtimeID string) (string, error) {
	e.branchMu.RLock()
	defer e.branchMu.RUnlock()
	child, ok := e.branches[runtimeID]
	if !ok || child.actualID == "" {
		return "", domain.Errorf(domain.KindInvalidRequest, "branch child has no live sandbox: %s", runtimeID)
	}
	return child.actualID, nil
}

// clearBranches tears down any child sandboxes still alive after a race
// and forgets the id mappings. The winner's sandbox is stopped too: its
// result has already been captured and children never outlive the race.
func (e *Executor) clearBranches(specs []fork.ChildSpec) {
	for _, s := range specs {
		e.branchMu.Lock()
		child, ok := e.branches[s.RuntimeID]
		delete(e.branches, s.RuntimeID)
		e.branchMu.Unlock()
		if ok && child.actualID != "" {
			_ = e.microvms.Stop(child.actualID)
		}
	}
}
