package pool

import (
	"context"
	"strconv"
	"sync"

	"github.com/forgekit/forge/internal/logging"
)

const defaultMaxPreWarmWorkers = 8

// PreWarm boots count Sandboxes for req's (Kind, Env) pair and releases
// them straight into the free list, so the next count Acquire calls hit
// the fast path instead of paying a cold start.
//
// It is a no-op surface on the hot invocation path: nothing here is
// called by Acquire itself. Callers — typically a reconciliation pass
// at startup, or an operator endpoint — invoke it explicitly when they
// want to pay a cold-start cost ahead of time rather than on a request.
//
// At most defaultMaxPreWarmWorkers boots run at a time; PreWarm waits for all of them before
// returning so the caller can assert the target is met. A boot failure
// is logged and does not abort the remaining boots.
func (p *Pool) PreWarm(ctx context.Context, req AcquireRequest, count int) {
	if count <= 0 {
		return
	}
	logging.Op().Info("pre-warming sandboxes", "count", count, "kind", req.Kind, "env", req.Env)

	sem := make(chan struct{}, defaultMaxPreWarmWorkers)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			holder := prewarmHolderID(req, idx)
			entry, err := p.Acquire(ctx, req, holder)
			if err != nil {
				logging.Op().Warn("pre-warm boot failed", "env", req.Env, "error", err)
				return
			}
			p.Release(entry, holder, false)
		}(i)
	}
	wg.Wait()
}

func prewarmHolderID(req AcquireRequest, idx int) string {
	return "prewarm|" + string(req.Kind) + "|" + string(req.Env) + "|" + strconv.Itoa(idx)
}
