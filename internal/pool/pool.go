// Package pool manages bounded warm sets of domain.Sandbox instances so
// that repeated requests against the same environment identifier can
// reuse a live Container or MicroVM instead of paying its full creation
// cost on every Request.
//
// # Design rationale
//
// Booting a fresh Sandbox (container start or microVM boot) costs
// tens to hundreds of milliseconds. To amortise that cost across many
// requests the pool keeps Sandboxes alive between invocations. A
// Sandbox is returned to the warm set after each completed request and
// is only evicted when it becomes idle for longer than IdleTTL or is
// explicitly quarantined by the caller.
//
// # Pool topology
//
// One environmentPool is maintained per (SandboxKind, EnvironmentID)
// pair — a container image and a microVM rootfs with the same name are
// never interchangeable, so the kind is part of the key.
//
// # Concurrency model
//
// Each environmentPool has its own sync.RWMutex. A sync.Cond on the
// write lock wakes goroutines waiting for an entry to free up. The
// rule that a warm-pool entry is never handed out to two concurrent
// requests is enforced by domain.WarmPoolEntry's own
// TryAcquire/Release, which the pool treats as authoritative; the pool
// mutex only guards the free/entries bookkeeping around it.
//
// # Invariants
//
//   - totalSandboxes always equals the sum of len(ep.entries) across all
//     environment pools.
//   - An entry is in ep.free if and only if it is not currently held
//     (WarmPoolEntry.HeldBy() == "").
//   - Once Shutdown has cancelled the pool's context, Acquire creates no
//     new Sandboxes.
//
// # Failure behaviour
//
// If Sandbox creation fails, the error is returned to the caller
// directly; no entry is added to the pool. The singleflight group lets
// concurrent cold-start requests for the same (kind, environment) pair
// share one in-flight creation attempt. The Sandbox it boots goes to the
// request that started it; the others then take an entry freed in the
// meantime or boot their own.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCapacityLimit is returned when an environment's per-environment
	// replica cap is reached and no warm entry is available.
	ErrCapacityLimit = errors.New("pool: per-environment capacity reached")
	// ErrGlobalCapacity is returned when the system-wide maximum Sandbox
	// count is reached.
	ErrGlobalCapacity = errors.New("pool: global sandbox capacity reached")
	// ErrNoBackend is returned when Acquire is called for a SandboxKind
	// that has no backend configured on the Pool.
	ErrNoBackend = errors.New("pool: no backend configured for sandbox kind")
)

const (
	DefaultIdleTTL         = 60 * time.Second
	DefaultCleanupInterval = 10 * time.Second
)

// ContainerBackend is the subset of internal/container.Manager the pool
// needs to create and tear down container Sandboxes. Defined here (not
// imported from internal/container) so the pool can be driven by a test
// fake without constructing a real Manager.
type ContainerBackend interface {
	Create(ctx context.Context, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error)
	Destroy(runtimeID string) error
	Reset(runtimeID string) error
	Quarantine(runtimeID string) error
}

// MicroVMBackend is the subset of internal/microvm.Manager the pool
// needs to create and tear down microVM Sandboxes.
type MicroVMBackend interface {
	Launch(ctx context.Context, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int, codeContent []byte, restoreKey string) (*domain.Sandbox, error)
	Stop(runtimeID string) error
	Reset(runtimeID string) error
	Quarantine(runtimeID string) error
}

// environmentPool holds all warm-pool entries for a single
// (SandboxKind, EnvironmentID) pair.
//
// # Locking discipline
//
// All fields except maxReplicas (atomic) must be accessed under mu.
// free is a view over a subset of entries and must only contain
// entries that are not currently held; cond is bound to mu's write
// side and callers must hold mu.Lock() when calling cond.Wait or
// cond.Signal/Broadcast.
type environmentPool struct {
	mu          sync.RWMutex
	entries     []*domain.WarmPoolEntry
	free        []*domain.WarmPoolEntry
	waiters     int
	cond        *sync.Cond
	maxReplicas atomic.Int32 // 0 = unlimited
}

// AcquireRequest describes the Sandbox an Acquire call needs. MemoryMB,
// VCPUs, CodeContent and RestoreKey are only consulted for
// domain.SandboxMicroVM; they are ignored for domain.SandboxContainer.
type AcquireRequest struct {
	Env         domain.EnvironmentID
	Kind        domain.SandboxKind
	TenantID    string
	MemoryMB    int
	VCPUs       int
	CodeContent []byte
	RestoreKey  string
}

// Config holds pool configuration options.
type Config struct {
	IdleTTL            time.Duration
	CleanupInterval    time.Duration
	MaxPerEnvironment  int // 0 = unlimited
	MaxGlobalSandboxes int // 0 = unlimited
}

// Pool is the central resource manager for Sandbox instances.
//
// It is safe for concurrent use by multiple goroutines. The zero value
// is not usable; always construct via NewPool.
type Pool struct {
	containerBackend ContainerBackend
	microvmBackend   MicroVMBackend

	pools sync.Map // map[string]*environmentPool, keyed by poolKey

	group              singleflight.Group
	idleTTL            time.Duration
	cleanupInterval    time.Duration
	maxGlobal          atomic.Int32
	totalSandboxes     atomic.Int32
	defaultMaxReplicas int32

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a Pool and starts its background idle-eviction loop.
// Either backend may be nil if this Pool will never be asked to manage
// that SandboxKind; Acquire returns ErrNoBackend in that case.
func NewPool(containerBackend ContainerBackend, microvmBackend MicroVMBackend, cfg Config) *Pool {
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		containerBackend: containerBackend,
		microvmBackend:   microvmBackend,
		idleTTL:          cfg.IdleTTL,
		cleanupInterval:  cfg.CleanupInterval,
		ctx:              ctx,
		cancel:           cancel,
	}
	p.maxGlobal.Store(int32(cfg.MaxGlobalSandboxes))
	if cfg.MaxPerEnvironment > 0 {
		p.defaultMaxReplicas = int32(cfg.MaxPerEnvironment)
	}

	go p.cleanupLoop()
	return p
}

// TotalCount returns the total number of live Sandboxes (held or free)
// across all environment pools.
func (p *Pool) TotalCount() int {
	return int(p.totalSandboxes.Load())
}

// SetMaxGlobalSandboxes sets the system-wide maximum Sandbox count
// (0 = unlimited).
func (p *Pool) SetMaxGlobalSandboxes(n int) {
	p.maxGlobal.Store(int32(n))
}

// SetMaxReplicas sets the per-environment replica cap for a single
// (kind, env) pair (0 = unlimited).
func (p *Pool) SetMaxReplicas(kind domain.SandboxKind, env domain.EnvironmentID, n int) {
	ep := p.getOrCreatePool(poolKeyFor(kind, env))
	ep.maxReplicas.Store(int32(n))
}

func poolKeyFor(kind domain.SandboxKind, env domain.EnvironmentID) string {
	return fmt.Sprintf("%s|%s", kind, env)
}

func (p *Pool) getOrCreatePool(poolKey string) *environmentPool {
	if ep, ok := p.pools.Load(poolKey); ok {
		return ep.(*environmentPool)
	}
	ep := &environmentPool{}
	if p.defaultMaxReplicas > 0 {
		ep.maxReplicas.Store(p.defaultMaxReplicas)
	}
	ep.cond = sync.NewCond(&ep.mu)
	actual, _ := p.pools.LoadOrStore(poolKey, ep)
	return actual.(*environmentPool)
}

func (p *Pool) createSandbox(ctx context.Context, req AcquireRequest) (*domain.Sandbox, error) {
	switch req.Kind {
	case domain.SandboxContainer:
		if p.containerBackend == nil {
			return nil, ErrNoBackend
		}
		logging.Op().Info("creating sandbox", "kind", req.Kind, "env", req.Env)
		return p.containerBackend.Create(ctx, req.Env, req.TenantID)
	case domain.SandboxMicroVM:
		if p.microvmBackend == nil {
			return nil, ErrNoBackend
		}
		logging.Op().Info("launching sandbox", "kind", req.Kind, "env", req.Env)
		return p.microvmBackend.Launch(ctx, req.Env, req.TenantID, req.MemoryMB, req.VCPUs, req.CodeContent, req.RestoreKey)
	default:
		return nil, fmt.Errorf("pool: unknown sandbox kind %q", req.Kind)
	}
}

func (p *Pool) destroySandbox(sb *domain.Sandbox) error {
	switch sb.Kind {
	case domain.SandboxContainer:
		if p.containerBackend == nil {
			return ErrNoBackend
		}
		return p.containerBackend.Destroy(sb.RuntimeID)
	case domain.SandboxMicroVM:
		if p.microvmBackend == nil {
			return ErrNoBackend
		}
		return p.microvmBackend.Stop(sb.RuntimeID)
	default:
		return fmt.Errorf("pool: unknown sandbox kind %q", sb.Kind)
	}
}

func (p *Pool) resetSandbox(sb *domain.Sandbox) error {
	switch sb.Kind {
	case domain.SandboxContainer:
		if p.containerBackend == nil {
			return ErrNoBackend
		}
		return p.containerBackend.Reset(sb.RuntimeID)
	case domain.SandboxMicroVM:
		if p.microvmBackend == nil {
			return ErrNoBackend
		}
		return p.microvmBackend.Reset(sb.RuntimeID)
	default:
		return fmt.Errorf("pool: unknown sandbox kind %q", sb.Kind)
	}
}

// Quarantine removes entry from its pool and hands the underlying
// Sandbox to the owning backend's Quarantine, which destroys it, after a
// misbehaving request. The entry must currently be held by holder.
func (p *Pool) Quarantine(entry *domain.WarmPoolEntry, holder string) error {
	if entry.HeldBy() != holder {
		return fmt.Errorf("pool: %q does not hold this entry", holder)
	}
	p.removeEntry(entry)
	entry.Release(holder)

	var err error
	switch entry.Sandbox.Kind {
	case domain.SandboxContainer:
		if p.containerBackend == nil {
			err = ErrNoBackend
		} else {
			err = p.containerBackend.Quarantine(entry.Sandbox.RuntimeID)
		}
	case domain.SandboxMicroVM:
		if p.microvmBackend == nil {
			err = ErrNoBackend
		} else {
			err = p.microvmBackend.Quarantine(entry.Sandbox.RuntimeID)
		}
	default:
		err = fmt.Errorf("pool: unknown sandbox kind %q", entry.Sandbox.Kind)
	}
	if err != nil {
		logging.Op().Warn("quarantine failed", "runtime_id", entry.Sandbox.RuntimeID, "error", err)
	}
	return err
}

// Detach removes entry from pool management without touching the
// underlying Sandbox, which the caller now owns outright. Used when a
// pooled Sandbox is promoted to a persistent runtime that outlives its
// creating request. The entry must currently be held by holder.
func (p *Pool) Detach(entry *domain.WarmPoolEntry, holder string) error {
	if entry.HeldBy() != holder {
		return fmt.Errorf("pool: %q does not hold this entry", holder)
	}
	p.removeEntry(entry)
	entry.Release(holder)
	return nil
}

func (p *Pool) removeEntry(entry *domain.WarmPoolEntry) {
	key := poolKeyFor(entry.Sandbox.Kind, entry.Env)
	ep := p.getOrCreatePool(key)
	ep.mu.Lock()
	removed := false
	kept := ep.entries[:0:0]
	for _, e := range ep.entries {
		if e == entry {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	ep.entries = kept
	freeKept := ep.free[:0:0]
	for _, e := range ep.free {
		if e != entry {
			freeKept = append(freeKept, e)
		}
	}
	ep.free = freeKept
	ep.mu.Unlock()
	if removed {
		p.totalSandboxes.Add(-1)
		metrics.SetActiveVMs(p.TotalCount())
	}
}
