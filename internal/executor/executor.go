// Package executor implements the Platform Executor: the top-level mode
// dispatcher. It accepts a Request, selects the components that serve
// its mode, enforces the deadline uniformly, and shapes the Response.
//
// The executor is a pure façade: it never exposes component-specific
// error kinds. A user program that runs and exits non-zero is a
// successful invocation (populated stderr, non-zero exit status);
// infrastructure failures surface as the closed error taxonomy in
// internal/domain, attached to the Response's error slot.
//
// # Sandbox kind selection
//
// Ephemeral and Cached requests run in OS containers; Checkpointed,
// Branched, and Persistent requests run in microVMs, whose full-machine
// snapshots give the checkpoint-derived modes a restore path that
// carries the whole guest state. Process-level CRIU checkpoints of
// container sandboxes remain available through CheckpointContainer /
// RestoreContainer on the operator surface.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/fork"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
	"github.com/forgekit/forge/internal/observability"
	"github.com/forgekit/forge/internal/pool"
)

// ContainerEngine is the slice of internal/container.Manager the
// executor drives directly (pool-managed lifecycle goes through Pool).
type ContainerEngine interface {
	Create(ctx context.Context, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error)
	AttachRun(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error)
	Destroy(runtimeID string) error
	Pid(runtimeID string) (uint32, error)
	ListSandboxes() []*domain.Sandbox
}

// MicroVMEngine is the slice of internal/microvm.Manager the executor
// drives directly.
type MicroVMEngine interface {
	AttachRun(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error)
	Stop(runtimeID string) error
	GetSandbox(runtimeID string) (*domain.Sandbox, bool)
	ListSandboxes() []*domain.Sandbox
}

// ProcessCheckpointer is the slice of internal/checkpoint.Engine the
// executor exposes on its operator surface.
type ProcessCheckpointer interface {
	Checkpoint(pid uint32, sourceRuntimeID string) (*domain.CheckpointRecord, error)
	Restore(id string, newRuntimeID string) (uint32, error)
	Delete(id string) error
}

// VMArchiver is the slice of internal/microvm.Archiver serving the
// checkpoint-derived modes.
type VMArchiver interface {
	Checkpoint(ctx context.Context, runtimeID string) (string, error)
	Restore(ctx context.Context, checkpointID string, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int) (*domain.Sandbox, error)
}

// Config bounds the executor's own behavior; component tuning lives in
// each component's Config.
type Config struct {
	DefaultDeadline time.Duration // applied when a Request carries none
	MaxAcquireWait  time.Duration // queueing bound for Cached/Persistent
	VMMemoryMB      int
	VMVCPUs         int
}

// DefaultConfig returns the executor's defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 30 * time.Second,
		MaxAcquireWait:  10 * time.Second,
		VMMemoryMB:      256,
		VMVCPUs:         1,
	}
}

// Executor is the Platform Executor.
type Executor struct {
	cfg         Config
	pool        *pool.Pool
	containers  ContainerEngine
	microvms    MicroVMEngine
	checkpoints ProcessCheckpointer
	archiver    VMArchiver
	forks       *fork.Manager

	// persistent tracks microVM sandboxes that outlive their creating
	// Request and are reachable by runtime id (Mode Persistent).
	persistentMu sync.RWMutex
	persistent   map[string]*domain.Sandbox

	// branches maps the child runtime ids the Fork Manager hands out to
	// the sandbox each restore actually produced.
	branchMu sync.RWMutex
	branches map[string]*branchChild
}

// branchChild tracks one raced child: the environment it restores into
// and, once restored, the actual sandbox runtime id backing it.
type branchChild struct {
	env      domain.EnvironmentID
	tenant   string
	actualID string
}

// New wires an Executor. Its Fork Manager is built over the executor's
// own restore/run/terminate plumbing.
func New(cfg Config, p *pool.Pool, containers ContainerEngine, microvms MicroVMEngine, checkpoints ProcessCheckpointer, archiver VMArchiver) *Executor {
	if cfg.DefaultDeadline <= 0 {
		cfg = DefaultConfig()
	}
	e := &Executor{
		cfg:         cfg,
		pool:        p,
		containers:  containers,
		microvms:    microvms,
		checkpoints: checkpoints,
		archiver:    archiver,
		persistent:  make(map[string]*domain.Sandbox),
		branches:    make(map[string]*branchChild),
	}
	e.forks = fork.New(branchRestorer{e}, branchRunner{e}, branchTerminator{e})
	return e
}

// Run dispatches req to its mode's data path under uniform deadline
// enforcement. The returned Response is never nil; infrastructure
// failures are reported through its Err field.
func (e *Executor) Run(ctx context.Context, req *domain.Request) *domain.Response {
	start := time.Now()

	if resp := e.validate(req); resp != nil {
		return resp
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = start.Add(e.cfg.DefaultDeadline)
		req.Deadline = deadline
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "executor.run",
		observability.AttrRequestID.String(req.ID),
		observability.AttrMode.String(string(req.Mode)),
		observability.AttrEnvironment.String(string(req.Env)),
	)
	defer span.End()

	// The mode handler publishes a terminate hook for the sandbox it is
	// currently driving, so deadline expiry can kill the runtime rather
	// than merely abandoning the in-flight guest command.
	var term terminator
	type outcome struct{ resp *domain.Response }
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{e.dispatch(ctx, req, &term)}
	}()

	var resp *domain.Response
	select {
	case out := <-done:
		resp = out.resp
	case <-ctx.Done():
		term.fire()
		metrics.Global().RecordTimeout(string(req.Mode))
		resp = &domain.Response{
			RequestID: req.ID,
			ExitCode:  -1,
			Err:       domain.NewError(domain.KindTimeout, fmt.Sprintf("deadline exceeded after %s", time.Since(start).Round(time.Millisecond)), ctx.Err()),
		}
	}

	resp.Duration = time.Since(start)
	span.SetAttributes(observability.AttrDurationMs.Int64(resp.Duration.Milliseconds()))
	if resp.Err != nil {
		observability.SetSpanError(span, resp.Err)
	} else {
		observability.SetSpanOK(span)
	}
	metrics.Global().RecordExecution(string(req.Mode), resp.Duration.Milliseconds(), term.coldStart.Load(), resp.Err == nil)

	entry := &logging.RequestLog{
		RequestID:  req.ID,
		TraceID:    observability.GetTraceID(ctx),
		SpanID:     observability.GetSpanID(ctx),
		Mode:       string(req.Mode),
		Env:        string(req.Env),
		DurationMs: resp.Duration.Milliseconds(),
		ColdStart:  term.coldStart.Load(),
		Success:    resp.Err == nil,
		ExitCode:   resp.ExitCode,
		InputSize:  len(req.Payload),
		OutputSize: len(resp.Stdout) + len(resp.Stderr),
	}
	if resp.Err != nil {
		entry.Error = resp.Err.Error()
	}
	logging.Default().Log(entry)
	return resp
}

func (e *Executor) validate(req *domain.Request) *domain.Response {
	fail := func(format string, args ...any) *domain.Response {
		return &domain.Response{
			RequestID: req.ID,
			ExitCode:  -1,
			Err:       domain.Errorf(domain.KindInvalidRequest, format, args...),
		}
	}
	if req.ID == "" {
		return fail("request id is required")
	}
	if !req.Mode.Valid() {
		return fail("unknown mode %q", req.Mode)
	}
	if len(req.Argv) == 0 && !(req.Mode == domain.ModeCheckpointed && req.CheckpointID != "") {
		return fail("argv is required")
	}
	if req.Env == "" && req.PersistentID == "" && req.CheckpointID == "" && req.ParentBranch == "" {
		return fail("environment reference is required")
	}
	if req.Mode == domain.ModeBranched && req.ParentBranch == "" && req.CheckpointID == "" {
		return fail("branched mode requires a parent checkpoint id")
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, req *domain.Request, term *terminator) *domain.Response {
	switch req.Mode {
	case domain.ModeEphemeral, domain.ModeCached:
		if e.containers == nil {
			return e.errResponse(req, domain.Errorf(domain.KindNotSupported, "container engine disabled on this host"))
		}
	default:
		if e.microvms == nil || e.archiver == nil {
			return e.errResponse(req, domain.Errorf(domain.KindNotSupported, "microvm engine disabled on this host"))
		}
	}
	switch req.Mode {
	case domain.ModeEphemeral:
		return e.runEphemeral(ctx, req, term)
	case domain.ModeCached:
		return e.runCached(ctx, req, term)
	case domain.ModeCheckpointed:
		return e.runCheckpointed(ctx, req, term)
	case domain.ModeBranched:
		return e.runBranched(ctx, req)
	case domain.ModePersistent:
		return e.runPersistent(ctx, req, term)
	}
	return e.errResponse(req, domain.Errorf(domain.KindInvalidRequest, "unknown mode %q", req.Mode))
}

func (e *Executor) errResponse(req *domain.Request, err error) *domain.Response {
	resp := &domain.Response{RequestID: req.ID, ExitCode: -1}
	var derr *domain.Error
	switch {
	case errors.As(err, &derr):
		resp.Err = derr
	case errors.Is(err, pool.ErrGlobalCapacity), errors.Is(err, pool.ErrCapacityLimit):
		resp.Err = domain.NewError(domain.KindCapacityExceeded, "sandbox capacity reached", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		resp.Err = domain.NewError(domain.KindTimeout, "request cancelled", err)
	default:
		resp.Err = domain.NewError(domain.KindSandboxCreate, "execution failed", err)
	}
	resp.Stderr = []byte(resp.Err.Error())
	return resp
}

// terminator carries the force-terminate hook for the sandbox a request
// is currently occupying, plus whether its start was cold.
type terminator struct {
	mu        sync.Mutex
	terminate func()
	coldStart atomic.Bool
}

func (t *terminator) set(f func()) {
	t.mu.Lock()
	t.terminate = f
	t.mu.Unlock()
}

func (t *terminator) fire() {
	t.mu.Lock()
	f := t.terminate
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// runEphemeral is the cold-container path: create, attach, wait,
// destroy. No pool interaction.
func (e *Executor) runEphemeral(ctx context.Context, req *domain.Request, term *terminator) *domain.Response {
	term.coldStart.Store(true)
	sb, err := e.containers.Create(ctx, req.Env, req.TenantID)
	if err != nil {
		return e.errResponse(req, err)
	}
	term.set(func() { _ = e.containers.Destroy(sb.RuntimeID) })
	defer e.containers.Destroy(sb.RuntimeID)

	resp, err := e.containers.AttachRun(ctx, sb.RuntimeID, req)
	if err != nil {
		return e.errResponse(req, err)
	}
	return resp
}

// runCached serves the request from the warm pool, cold-creating on a
// miss and returning the sandbox to the pool afterwards.
func (e *Executor) runCached(ctx context.Context, req *domain.Request, term *terminator) *domain.Response {
	acquireCtx := ctx
	if e.cfg.MaxAcquireWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.cfg.MaxAcquireWait)
		defer cancel()
	}

	before := e.pool.TotalCount()
	entry, err := e.pool.Acquire(acquireCtx, pool.AcquireRequest{
		Env:      req.Env,
		Kind:     domain.SandboxContainer,
		TenantID: req.TenantID,
	}, req.ID)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return e.errResponse(req, domain.NewError(domain.KindCapacityExceeded, "warm pool wait exceeded", err))
		}
		return e.errResponse(req, err)
	}
	if e.pool.TotalCount() > before {
		term.coldStart.Store(true)
	}

	// The entry is handed back exactly once, by whichever of the normal
	// path and the deadline path gets there first.
	var relMu sync.Mutex
	released := false
	claim := func() bool {
		relMu.Lock()
		defer relMu.Unlock()
		if released {
			return false
		}
		released = true
		return true
	}
	release := func(dirty bool) {
		if claim() {
			e.pool.Release(entry, req.ID, dirty)
		}
	}
	term.set(func() {
		// A timed-out sandbox may hold a runaway process; quarantine it
		// rather than returning it to the pool.
		if claim() {
			_ = e.pool.Quarantine(entry, req.ID)
		}
	})
	defer release(true)

	resp, err := e.containers.AttachRun(ctx, entry.Sandbox.RuntimeID, req)
	if err != nil {
		release(true)
		return e.errResponse(req, err)
	}
	return resp
}

// runCheckpointed executes in a microVM. With a checkpoint id, the VM is
// restored first and argv (if any) runs against the restored state. On
// plain success, a new checkpoint is sealed and its id attached to the
// Response.
func (e *Executor) runCheckpointed(ctx context.Context, req *domain.Request, term *terminator) *domain.Response {
	var sb *domain.Sandbox
	var err error

	if req.CheckpointID != "" {
		sb, err = e.archiver.Restore(ctx, req.CheckpointID, req.Env, req.TenantID, e.cfg.VMMemoryMB, e.cfg.VMVCPUs)
		if err != nil {
			return e.errResponse(req, err)
		}
	} else {
		term.coldStart.Store(true)
		entry, aerr := e.pool.Acquire(ctx, pool.AcquireRequest{
			Env:      req.Env,
			Kind:     domain.SandboxMicroVM,
			TenantID: req.TenantID,
			MemoryMB: e.cfg.VMMemoryMB,
			VCPUs:    e.cfg.VMVCPUs,
		}, req.ID)
		if aerr != nil {
			return e.errResponse(req, aerr)
		}
		sb = entry.Sandbox
		defer e.pool.EvictEntry(entry)
	}
	term.set(func() { _ = e.microvms.Stop(sb.RuntimeID) })
	if req.CheckpointID != "" {
		defer e.microvms.Stop(sb.RuntimeID)
	}

	var resp *domain.Response
	if len(req.Argv) > 0 {
		resp, err = e.microvms.AttachRun(ctx, sb.RuntimeID, req)
		if err != nil {
			return e.errResponse(req, err)
		}
	} else {
		resp = &domain.Response{RequestID: req.ID}
	}

	if req.CheckpointID == "" && resp.ExitCode == 0 {
		checkpointID, cerr := e.archiver.Checkpoint(ctx, sb.RuntimeID)
		if cerr != nil {
			logging.Op().Warn("checkpoint after execution failed", "runtime_id", sb.RuntimeID, "error", cerr)
		} else {
			resp.CheckpointID = checkpointID
		}
	}
	return resp
}

// runBranched delegates to the Fork Manager and returns the winning
// child's result along with its branch id.
func (e *Executor) runBranched(ctx context.Context, req *domain.Request) *domain.Response {
	parent := req.ParentBranch
	if parent == "" {
		parent = req.CheckpointID
	}

	n := req.BranchCount
	if n <= 0 {
		n = 2
	}
	strategy := fork.Strategy(req.Strategy)
	if strategy == "" {
		strategy = fork.StrategyFastest
	}

	specs := make([]fork.ChildSpec, n)
	for i := range specs {
		childReq := *req
		childReq.ID = fmt.Sprintf("%s-branch-%d", req.ID, i)
		specs[i] = fork.ChildSpec{RuntimeID: uuid.NewString(), Request: &childReq}
	}

	// Stash the environment so the restorer can launch children without
	// re-deriving it from the manifest.
	e.branchMu.Lock()
	for _, s := range specs {
		e.branches[s.RuntimeID] = &branchChild{env: req.Env, tenant: req.TenantID}
	}
	e.branchMu.Unlock()
	defer e.clearBranches(specs)

	result, err := e.forks.Race(ctx, parent, specs, strategy, req.BranchCount/2+1)
	if err != nil {
		return e.errResponse(req, err)
	}

	if strategy == fork.StrategyAll {
		// Mode Branched still returns one Response; with strategy all,
		// the first successful child represents the set.
		for _, r := range result.All {
			if r != nil && r.Err == nil && r.Response != nil {
				resp := *r.Response
				resp.RequestID = req.ID
				resp.BranchID = r.RuntimeID
				return &resp
			}
		}
		return e.errResponse(req, domain.Errorf(domain.KindCommunicationFailed, "no branch child completed"))
	}

	resp := *result.Winner.Response
	resp.RequestID = req.ID
	resp.BranchID = result.Winner.RuntimeID
	return &resp
}

// runPersistent starts (or reattaches to) a long-lived microVM sandbox
// that outlives the Request and is reachable by runtime id.
func (e *Executor) runPersistent(ctx context.Context, req *domain.Request, term *terminator) *domain.Response {
	if req.PersistentID != "" {
		sb, ok := e.lookupPersistent(req.PersistentID)
		if !ok {
			return e.errResponse(req, domain.Errorf(domain.KindInvalidRequest, "persistent sandbox not found: %s", req.PersistentID))
		}
		resp, err := e.microvms.AttachRun(ctx, sb.RuntimeID, req)
		if err != nil {
			return e.errResponse(req, err)
		}
		resp.PersistentID = sb.RuntimeID
		return resp
	}

	term.coldStart.Store(true)
	acquireCtx := ctx
	if e.cfg.MaxAcquireWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.cfg.MaxAcquireWait)
		defer cancel()
	}
	entry, err := e.pool.Acquire(acquireCtx, pool.AcquireRequest{
		Env:      req.Env,
		Kind:     domain.SandboxMicroVM,
		TenantID: req.TenantID,
		MemoryMB: e.cfg.VMMemoryMB,
		VCPUs:    e.cfg.VMVCPUs,
	}, req.ID)
	if err != nil {
		return e.errResponse(req, err)
	}
	// The sandbox leaves pool management for good: a persistent runtime
	// is owned by its tenant until explicitly stopped.
	e.pool.Detach(entry, req.ID)

	sb := entry.Sandbox
	e.persistentMu.Lock()
	e.persistent[sb.RuntimeID] = sb
	e.persistentMu.Unlock()

	term.set(func() { e.StopPersistent(sb.RuntimeID) })

	resp, err := e.microvms.AttachRun(ctx, sb.RuntimeID, req)
	if err != nil {
		e.StopPersistent(sb.RuntimeID)
		return e.errResponse(req, err)
	}
	resp.PersistentID = sb.RuntimeID
	return resp
}

func (e *Executor) lookupPersistent(runtimeID string) (*domain.Sandbox, bool) {
	e.persistentMu.RLock()
	sb, ok := e.persistent[runtimeID]
	e.persistentMu.RUnlock()
	if ok {
		return sb, true
	}
	return e.microvms.GetSandbox(runtimeID)
}

// StopPersistent tears down a persistent sandbox by runtime id.
func (e *Executor) StopPersistent(runtimeID string) error {
	e.persistentMu.Lock()
	delete(e.persistent, runtimeID)
	e.persistentMu.Unlock()
	return e.microvms.Stop(runtimeID)
}

// PreWarm primes the warm pool with count sandboxes for env without
// running any user code.
func (e *Executor) PreWarm(ctx context.Context, env domain.EnvironmentID, kind domain.SandboxKind, count int) {
	e.pool.PreWarm(ctx, pool.AcquireRequest{
		Env:      env,
		Kind:     kind,
		MemoryMB: e.cfg.VMMemoryMB,
		VCPUs:    e.cfg.VMVCPUs,
	}, count)
}

// CheckpointContainer drives a process-level checkpoint of a container
// sandbox's init process through the Checkpoint Engine. Linux-only; on
// other hosts the engine reports NotSupported.
func (e *Executor) CheckpointContainer(runtimeID string) (*domain.CheckpointRecord, error) {
	pid, err := e.containers.Pid(runtimeID)
	if err != nil {
		return nil, err
	}
	return e.checkpoints.Checkpoint(pid, runtimeID)
}

// RestoreContainer reverses CheckpointContainer, returning the restored
// process tree's new top-level pid.
func (e *Executor) RestoreContainer(checkpointID string) (uint32, error) {
	return e.checkpoints.Restore(checkpointID, uuid.NewString())
}

// DeleteCheckpoint retires a process checkpoint, freeing exactly the
// storage its manifest added.
func (e *Executor) DeleteCheckpoint(checkpointID string) error {
	return e.checkpoints.Delete(checkpointID)
}
