// Package fork implements the Fork Manager: given a parent checkpoint,
// it instantiates N divergent children sharing the parent's blob set
// copy-on-write, and can race children against each other under a
// pluggable winner-selection strategy.
package fork

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Restorer materializes a checkpoint into a freshly minted runtime id.
// The underlying engine (process checkpoint, microVM snapshot, container
// layer set) is opaque to the Fork Manager; it only needs a new,
// independent handle per child.
type Restorer interface {
	Restore(ctx context.Context, checkpointID, newRuntimeID string) error
}

// Runner executes one child's request against its restored runtime.
type Runner interface {
	Run(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error)
}

// Terminator force-stops a runtime. Called on race losers once a winner
// has been selected; cancellation at the sandbox boundary is cooperative
// but the manager still drives an explicit stop rather than relying on
// ctx cancellation alone.
type Terminator interface {
	Terminate(runtimeID string) error
}

// Strategy selects a winner among raced children.
type Strategy string

const (
	// StrategyFastest returns the first child to exit zero; the rest are cancelled.
	StrategyFastest Strategy = "fastest"
	// StrategyAll waits for every child and returns all results.
	StrategyAll Strategy = "all"
	// StrategyQuorum waits for k children to agree byte-for-byte on stdout.
	StrategyQuorum Strategy = "quorum"
)

// ChildSpec is one child's request in a Race call.
type ChildSpec struct {
	RuntimeID string
	Request   *domain.Request
}

// ChildResult pairs a child's runtime id with its outcome.
type ChildResult struct {
	RuntimeID string
	Response  *domain.Response
	Err       error
}

// RaceResult is what Race returns.
type RaceResult struct {
	Winner *ChildResult // nil for StrategyAll
	All    []*ChildResult
	Quorum int // number of children that agreed, set only for StrategyQuorum
}

// Manager is the Fork Manager.
type Manager struct {
	restorer   Restorer
	runner     Runner
	terminator Terminator

	// group deduplicates concurrent branch calls that restore the same
	// parent checkpoint into the same child slot, mirroring the warm
	// pool's cold-start dedup pattern.
	group singleflight.Group

	lastCancelled atomic.Int64
}

func New(restorer Restorer, runner Runner, terminator Terminator) *Manager {
	return &Manager{restorer: restorer, runner: runner, terminator: terminator}
}

// Branch restores parentID n times into independent runtime ids. The
// parent checkpoint must exist (callers are expected
// to have already verified it is Ready; Branch itself only surfaces
// whatever error Restore returns for a missing/corrupt checkpoint).
func (m *Manager) Branch(ctx context.Context, parentID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, domain.Errorf(domain.KindInvalidRequest, "branch count must be positive, got %d", n)
	}
	childIDs := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		childIDs[i] = uuid.NewString()
		g.Go(func() error {
			key := fmt.Sprintf("%s/%s", parentID, childIDs[i])
			_, err, _ := m.group.Do(key, func() (any, error) {
				return nil, m.restorer.Restore(gctx, parentID, childIDs[i])
			})
			if err != nil {
				return domain.NewError(domain.KindCheckpointUnavailable, "restore branch child from "+parentID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return childIDs, nil
}

// Race restores parentID once per spec, runs every child concurrently,
// and selects a winner per strategy. Cancellation is cooperative: losing
// children have their context cancelled and are then force-terminated.
func (m *Manager) Race(ctx context.Context, parentID string, specs []ChildSpec, strategy Strategy, quorumK int) (*RaceResult, error) {
	if len(specs) == 0 {
		return nil, domain.Errorf(domain.KindInvalidRequest, "race requires at least one child spec")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resultsMu sync.Mutex
	results := make([]*ChildResult, len(specs))
	setResult := func(i int, r *ChildResult) {
		resultsMu.Lock()
		results[i] = r
		resultsMu.Unlock()
	}
	resultsCh := make(chan *ChildResult, len(specs))
	var wg sync.WaitGroup

	for i, spec := range specs {
		i, spec := i, spec
		if spec.RuntimeID == "" {
			spec.RuntimeID = uuid.NewString()
		}
		// Seed a placeholder so a child that has not reported yet is
		// still force-terminated when another child wins.
		setResult(i, &ChildResult{RuntimeID: spec.RuntimeID})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.restorer.Restore(raceCtx, parentID, spec.RuntimeID); err != nil {
				r := &ChildResult{RuntimeID: spec.RuntimeID, Err: err}
				setResult(i, r)
				resultsCh <- r
				return
			}
			resp, err := m.runner.Run(raceCtx, spec.RuntimeID, spec.Request)
			r := &ChildResult{RuntimeID: spec.RuntimeID, Response: resp, Err: err}
			setResult(i, r)
			resultsCh <- r
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	snapshot := func() []*ChildResult {
		resultsMu.Lock()
		defer resultsMu.Unlock()
		out := make([]*ChildResult, len(results))
		copy(out, results)
		return out
	}

	m.lastCancelled.Store(0)
	var res *RaceResult
	var err error
	switch strategy {
	case StrategyFastest:
		res, err = m.raceFastest(resultsCh, cancel, snapshot)
	case StrategyQuorum:
		res, err = m.raceQuorum(resultsCh, cancel, snapshot, quorumK, len(specs))
	default: // StrategyAll
		for range resultsCh {
		}
		res = &RaceResult{All: snapshot()}
	}
	metrics.Global().RecordRace(string(strategy), int(m.lastCancelled.Load()))
	return res, err
}

func (m *Manager) raceFastest(ch <-chan *ChildResult, cancel context.CancelFunc, snapshot func() []*ChildResult) (*RaceResult, error) {
	var winner *ChildResult
	for r := range ch {
		if winner == nil && r.Err == nil && r.Response != nil && r.Response.ExitCode == 0 {
			winner = r
			cancel()
			m.terminateOthers(snapshot(), winner.RuntimeID)
		}
	}
	if winner == nil {
		return nil, domain.NewError(domain.KindCommunicationFailed, "race: no child completed successfully", nil)
	}
	return &RaceResult{Winner: winner, All: snapshot()}, nil
}

func (m *Manager) raceQuorum(ch <-chan *ChildResult, cancel context.CancelFunc, snapshot func() []*ChildResult, k, total int) (*RaceResult, error) {
	if k <= 0 {
		k = (total / 2) + 1
	}
	counts := make(map[string][]*ChildResult)
	for r := range ch {
		if r.Err != nil || r.Response == nil {
			continue
		}
		key := string(r.Response.Stdout)
		counts[key] = append(counts[key], r)
		if len(counts[key]) >= k {
			winner := counts[key][0]
			cancel()
			m.terminateOthers(snapshot(), winner.RuntimeID)
			return &RaceResult{Winner: winner, All: snapshot(), Quorum: len(counts[key])}, nil
		}
	}
	return nil, domain.NewError(domain.KindCommunicationFailed, fmt.Sprintf("race: no %d-of-%d quorum reached", k, total), nil)
}

func (m *Manager) terminateOthers(results []*ChildResult, winnerID string) {
	if m.terminator == nil {
		return
	}
	cancelled := 0
	for _, r := range results {
		if r == nil || r.RuntimeID == winnerID {
			continue
		}
		cancelled++
		if err := m.terminator.Terminate(r.RuntimeID); err != nil {
			logging.Op().Warn("fork: failed to terminate race loser", "runtime_id", r.RuntimeID, "error", err)
		}
	}
	m.lastCancelled.Store(int64(cancelled))
}
