package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/pool"
)

// fakeContainers backs both the executor's ContainerEngine and the
// pool's ContainerBackend.
type fakeContainers struct {
	mu        sync.Mutex
	created   atomic.Int32
	destroyed atomic.Int32
	live      map[string]*domain.Sandbox
	runs      []string // runtime ids AttachRun was called with
	runFn     func(runtimeID string, req *domain.Request) (*domain.Response, error)
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{live: make(map[string]*domain.Sandbox)}
}

func (f *fakeContainers) Create(_ context.Context, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error) {
	f.created.Add(1)
	sb := domain.NewSandbox(uuid.NewString()[:8], domain.SandboxContainer, env)
	sb.TenantID = tenantID
	sb.Transition(domain.SandboxReady)
	f.mu.Lock()
	f.live[sb.RuntimeID] = sb
	f.mu.Unlock()
	return sb, nil
}

func (f *fakeContainers) AttachRun(_ context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	f.mu.Lock()
	f.runs = append(f.runs, runtimeID)
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(runtimeID, req)
	}
	return &domain.Response{RequestID: req.ID, Stdout: []byte(strings.Join(req.Argv, " ") + "\n")}, nil
}

func (f *fakeContainers) Destroy(runtimeID string) error {
	f.destroyed.Add(1)
	f.mu.Lock()
	delete(f.live, runtimeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeContainers) Pid(string) (uint32, error) { return 4242, nil }

func (f *fakeContainers) ListSandboxes() []*domain.Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Sandbox, 0, len(f.live))
	for _, sb := range f.live {
		out = append(out, sb)
	}
	return out
}

func (f *fakeContainers) Reset(string) error         { return nil }
func (f *fakeContainers) Quarantine(id string) error { return f.Destroy(id) }

// fakeMicroVMs backs the executor's MicroVMEngine and the pool's
// MicroVMBackend.
type fakeMicroVMs struct {
	mu       sync.Mutex
	launched atomic.Int32
	stopped  atomic.Int32
	live     map[string]*domain.Sandbox
	runFn    func(runtimeID string, req *domain.Request) (*domain.Response, error)
}

func newFakeMicroVMs() *fakeMicroVMs {
	return &fakeMicroVMs{live: make(map[string]*domain.Sandbox)}
}

func (f *fakeMicroVMs) Launch(_ context.Context, env domain.EnvironmentID, tenantID string, _, _ int, _ []byte, _ string) (*domain.Sandbox, error) {
	f.launched.Add(1)
	sb := domain.NewSandbox(uuid.NewString()[:8], domain.SandboxMicroVM, env)
	sb.TenantID = tenantID
	sb.Transition(domain.SandboxReady)
	f.mu.Lock()
	f.live[sb.RuntimeID] = sb
	f.mu.Unlock()
	return sb, nil
}

func (f *fakeMicroVMs) AttachRun(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	f.mu.Lock()
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(runtimeID, req)
	}
	return &domain.Response{RequestID: req.ID, Stdout: []byte("vm\n")}, nil
}

func (f *fakeMicroVMs) Stop(runtimeID string) error {
	f.stopped.Add(1)
	f.mu.Lock()
	delete(f.live, runtimeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMicroVMs) GetSandbox(runtimeID string) (*domain.Sandbox, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.live[runtimeID]
	return sb, ok
}

func (f *fakeMicroVMs) ListSandboxes() []*domain.Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Sandbox, 0, len(f.live))
	for _, sb := range f.live {
		out = append(out, sb)
	}
	return out
}

func (f *fakeMicroVMs) Reset(string) error         { return nil }
func (f *fakeMicroVMs) Quarantine(id string) error { return f.Stop(id) }

type fakeCheckpoints struct {
	records map[string]*domain.CheckpointRecord
}

func (f *fakeCheckpoints) Checkpoint(pid uint32, src string) (*domain.CheckpointRecord, error) {
	rec := &domain.CheckpointRecord{ID: uuid.NewString(), SourceRuntimeID: src, CreatedAt: time.Now()}
	if f.records == nil {
		f.records = make(map[string]*domain.CheckpointRecord)
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeCheckpoints) Restore(id, _ string) (uint32, error) {
	if _, ok := f.records[id]; !ok {
		return 0, domain.Errorf(domain.KindCheckpointUnavailable, "no such checkpoint: %s", id)
	}
	return 777, nil
}

func (f *fakeCheckpoints) Delete(id string) error {
	delete(f.records, id)
	return nil
}

type fakeArchiver struct {
	vms         *fakeMicroVMs
	checkpoints atomic.Int32
	restores    atomic.Int32
	known       sync.Map // checkpoint id -> struct{}
}

func (f *fakeArchiver) Checkpoint(_ context.Context, runtimeID string) (string, error) {
	f.checkpoints.Add(1)
	id := "cp-" + uuid.NewString()[:8]
	f.known.Store(id, struct{}{})
	return id, nil
}

func (f *fakeArchiver) Restore(ctx context.Context, checkpointID string, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int) (*domain.Sandbox, error) {
	if _, ok := f.known.Load(checkpointID); !ok {
		return nil, domain.Errorf(domain.KindCheckpointUnavailable, "no such checkpoint: %s", checkpointID)
	}
	f.restores.Add(1)
	return f.vms.Launch(ctx, env, tenantID, memoryMB, vcpus, nil, checkpointID)
}

type harness struct {
	exec       *Executor
	containers *fakeContainers
	vms        *fakeMicroVMs
	archiver   *fakeArchiver
	pool       *pool.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	containers := newFakeContainers()
	vms := newFakeMicroVMs()
	p := pool.NewPool(containers, vms, pool.Config{IdleTTL: time.Minute, CleanupInterval: time.Hour})
	t.Cleanup(p.Shutdown)
	archiver := &fakeArchiver{vms: vms}
	exec := New(Config{
		DefaultDeadline: 5 * time.Second,
		MaxAcquireWait:  2 * time.Second,
		VMMemoryMB:      128,
		VMVCPUs:         1,
	}, p, containers, vms, &fakeCheckpoints{}, archiver)
	return &harness{exec: exec, containers: containers, vms: vms, archiver: archiver, pool: p}
}

func req(id string, mode domain.Mode, argv ...string) *domain.Request {
	return &domain.Request{
		ID:   id,
		Env:  "alpine:latest",
		Argv: argv,
		Mode: mode,
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	h := newHarness(t)
	r := req("r1", "warp-speed", "echo", "x")
	resp := h.exec.Run(context.Background(), r)
	if resp.Err == nil || resp.Err.Kind != domain.KindInvalidRequest {
		t.Fatalf("err = %v, want InvalidRequest", resp.Err)
	}
}

func TestRunRejectsEmptyArgv(t *testing.T) {
	h := newHarness(t)
	resp := h.exec.Run(context.Background(), req("r1", domain.ModeEphemeral))
	if resp.Err == nil || resp.Err.Kind != domain.KindInvalidRequest {
		t.Fatalf("err = %v, want InvalidRequest", resp.Err)
	}
}

func TestEphemeralCreatesRunsAndDestroys(t *testing.T) {
	h := newHarness(t)
	resp := h.exec.Run(context.Background(), req("e1", domain.ModeEphemeral, "echo", "hello"))
	if resp.Err != nil {
		t.Fatalf("err = %v", resp.Err)
	}
	if string(resp.Stdout) != "echo hello\n" {
		t.Errorf("stdout = %q", resp.Stdout)
	}
	if h.containers.created.Load() != 1 || h.containers.destroyed.Load() != 1 {
		t.Errorf("created=%d destroyed=%d, want 1/1", h.containers.created.Load(), h.containers.destroyed.Load())
	}
	if h.pool.TotalCount() != 0 {
		t.Error("ephemeral mode must not touch the pool")
	}
}

func TestCachedReusesWarmSandbox(t *testing.T) {
	h := newHarness(t)
	r1 := h.exec.Run(context.Background(), req("c1", domain.ModeCached, "echo", "x"))
	r2 := h.exec.Run(context.Background(), req("c2", domain.ModeCached, "echo", "x"))
	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("errs = %v, %v", r1.Err, r2.Err)
	}
	if h.containers.created.Load() != 1 {
		t.Errorf("created = %d, want 1 (second request must reuse the warm sandbox)", h.containers.created.Load())
	}
	h.containers.mu.Lock()
	defer h.containers.mu.Unlock()
	if len(h.containers.runs) != 2 || h.containers.runs[0] != h.containers.runs[1] {
		t.Errorf("runs = %v, want same runtime id twice", h.containers.runs)
	}
}

func TestCheckpointedAttachesCheckpointID(t *testing.T) {
	h := newHarness(t)
	resp := h.exec.Run(context.Background(), req("k1", domain.ModeCheckpointed, "sh", "-c", "true"))
	if resp.Err != nil {
		t.Fatalf("err = %v", resp.Err)
	}
	if resp.CheckpointID == "" {
		t.Fatal("successful checkpointed run must attach a checkpoint id")
	}
	if h.archiver.checkpoints.Load() != 1 {
		t.Errorf("archiver checkpoints = %d", h.archiver.checkpoints.Load())
	}
}

func TestCheckpointedResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	first := h.exec.Run(context.Background(), req("k1", domain.ModeCheckpointed, "sh", "-c", "true"))
	if first.Err != nil || first.CheckpointID == "" {
		t.Fatalf("first = %+v", first)
	}

	r := req("k2", domain.ModeCheckpointed, "cat", "/tmp/state")
	r.CheckpointID = first.CheckpointID
	second := h.exec.Run(context.Background(), r)
	if second.Err != nil {
		t.Fatalf("err = %v", second.Err)
	}
	if h.archiver.restores.Load() != 1 {
		t.Errorf("restores = %d, want 1", h.archiver.restores.Load())
	}
	// No new checkpoint on a resume.
	if second.CheckpointID != "" {
		t.Errorf("resume produced checkpoint id %q", second.CheckpointID)
	}
}

func TestCheckpointedResumeRejectsUnknownCheckpoint(t *testing.T) {
	h := newHarness(t)
	r := req("k1", domain.ModeCheckpointed, "true")
	r.CheckpointID = "no-such-checkpoint"
	resp := h.exec.Run(context.Background(), r)
	if resp.Err == nil || resp.Err.Kind != domain.KindCheckpointUnavailable {
		t.Fatalf("err = %v, want CheckpointUnavailable", resp.Err)
	}
}

func TestBranchedFastestWins(t *testing.T) {
	h := newHarness(t)

	// Seed a parent checkpoint.
	parent := h.exec.Run(context.Background(), req("p", domain.ModeCheckpointed, "true"))
	if parent.CheckpointID == "" {
		t.Fatal("no parent checkpoint")
	}

	h.vms.mu.Lock()
	h.vms.runFn = func(runtimeID string, r *domain.Request) (*domain.Response, error) {
		if strings.HasSuffix(r.ID, "-branch-0") {
			return &domain.Response{RequestID: r.ID, Stdout: []byte("fast\n")}, nil
		}
		time.Sleep(300 * time.Millisecond)
		return &domain.Response{RequestID: r.ID, Stdout: []byte("slow\n")}, nil
	}
	h.vms.mu.Unlock()

	r := req("b1", domain.ModeBranched, "run")
	r.CheckpointID = parent.CheckpointID
	r.BranchCount = 2
	r.Strategy = "fastest"
	resp := h.exec.Run(context.Background(), r)
	if resp.Err != nil {
		t.Fatalf("err = %v", resp.Err)
	}
	if string(resp.Stdout) != "fast\n" {
		t.Errorf("stdout = %q, want fast", resp.Stdout)
	}
	if resp.BranchID == "" {
		t.Error("winning branch id missing")
	}
	// Both children were restored; every child sandbox is gone after
	// the race.
	if got := h.archiver.restores.Load(); got != 2 {
		t.Errorf("restores = %d, want 2", got)
	}
}

func TestBranchedRequiresParent(t *testing.T) {
	h := newHarness(t)
	resp := h.exec.Run(context.Background(), req("b1", domain.ModeBranched, "run"))
	if resp.Err == nil || resp.Err.Kind != domain.KindInvalidRequest {
		t.Fatalf("err = %v, want InvalidRequest", resp.Err)
	}
}

func TestPersistentSurvivesAndReattaches(t *testing.T) {
	h := newHarness(t)
	first := h.exec.Run(context.Background(), req("p1", domain.ModePersistent, "start"))
	if first.Err != nil {
		t.Fatalf("err = %v", first.Err)
	}
	if first.PersistentID == "" {
		t.Fatal("persistent id missing")
	}
	if h.vms.stopped.Load() != 0 {
		t.Error("persistent sandbox must outlive its request")
	}

	r := req("p2", domain.ModePersistent, "again")
	r.PersistentID = first.PersistentID
	second := h.exec.Run(context.Background(), r)
	if second.Err != nil {
		t.Fatalf("err = %v", second.Err)
	}
	if second.PersistentID != first.PersistentID {
		t.Errorf("persistent id changed: %q vs %q", second.PersistentID, first.PersistentID)
	}
	if h.vms.launched.Load() != 1 {
		t.Errorf("launched = %d, want 1", h.vms.launched.Load())
	}

	if err := h.exec.StopPersistent(first.PersistentID); err != nil {
		t.Fatalf("StopPersistent: %v", err)
	}
	if h.vms.stopped.Load() != 1 {
		t.Error("StopPersistent must stop the sandbox")
	}
}

func TestDeadlineFiresAndTerminates(t *testing.T) {
	h := newHarness(t)
	h.containers.mu.Lock()
	h.containers.runFn = func(_ string, r *domain.Request) (*domain.Response, error) {
		time.Sleep(2 * time.Second)
		return &domain.Response{RequestID: r.ID}, nil
	}
	h.containers.mu.Unlock()

	r := req("t1", domain.ModeEphemeral, "sh", "-c", "sleep 60")
	r.Deadline = time.Now().Add(200 * time.Millisecond)
	start := time.Now()
	resp := h.exec.Run(context.Background(), r)
	elapsed := time.Since(start)

	if !resp.TimedOut() {
		t.Fatalf("err = %v, want Timeout", resp.Err)
	}
	if resp.ExitCode == 0 {
		t.Error("timed-out response must carry a non-zero exit")
	}
	if elapsed > 700*time.Millisecond {
		t.Errorf("response took %s, want prompt delivery after deadline", elapsed)
	}
	// Force-terminate destroyed the sandbox.
	deadline := time.Now().Add(time.Second)
	for h.containers.destroyed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.containers.destroyed.Load() == 0 {
		t.Error("deadline expiry must force-terminate the sandbox")
	}
}

func TestReconcileDestroysUntrackedSandboxes(t *testing.T) {
	h := newHarness(t)
	// Two sandboxes the engines track but nothing owns.
	h.containers.Create(context.Background(), "alpine:latest", "")
	h.vms.Launch(context.Background(), "vmenv", "", 128, 1, nil, "")

	// One persistent sandbox that must survive.
	resp := h.exec.Run(context.Background(), req("p1", domain.ModePersistent, "start"))
	if resp.Err != nil {
		t.Fatalf("err = %v", resp.Err)
	}

	h.exec.Reconcile(context.Background())

	if h.containers.destroyed.Load() != 1 {
		t.Errorf("destroyed containers = %d, want 1", h.containers.destroyed.Load())
	}
	if _, ok := h.vms.GetSandbox(resp.PersistentID); !ok {
		t.Error("reconcile must spare persistent sandboxes")
	}
	if got := len(h.vms.ListSandboxes()); got != 1 {
		t.Errorf("live vms = %d, want only the persistent one", got)
	}
}

func TestErrResponseShapesInfrastructureFailure(t *testing.T) {
	h := newHarness(t)
	h.containers.mu.Lock()
	h.containers.runFn = func(string, *domain.Request) (*domain.Response, error) {
		return nil, domain.Errorf(domain.KindCommunicationFailed, "agent vanished")
	}
	h.containers.mu.Unlock()

	resp := h.exec.Run(context.Background(), req("f1", domain.ModeEphemeral, "echo", "x"))
	if resp.Err == nil || resp.Err.Kind != domain.KindCommunicationFailed {
		t.Fatalf("err = %v, want CommunicationFailed", resp.Err)
	}
	if resp.ExitCode == 0 {
		t.Error("infrastructure failure must carry non-zero exit")
	}
	if len(resp.Stderr) == 0 {
		t.Error("infrastructure failure must populate stderr")
	}
}

func TestUserExitCodeIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.containers.mu.Lock()
	h.containers.runFn = func(_ string, r *domain.Request) (*domain.Response, error) {
		return &domain.Response{RequestID: r.ID, Stderr: []byte("boom"), ExitCode: 3}, nil
	}
	h.containers.mu.Unlock()

	resp := h.exec.Run(context.Background(), req("u1", domain.ModeEphemeral, "false"))
	if resp.Err != nil {
		t.Fatalf("user failure surfaced as platform error: %v", resp.Err)
	}
	if resp.ExitCode != 3 || string(resp.Stderr) != "boom" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCheckpointContainerUsesInitPid(t *testing.T) {
	h := newHarness(t)
	sb, _ := h.containers.Create(context.Background(), "alpine:latest", "")
	rec, err := h.exec.CheckpointContainer(sb.RuntimeID)
	if err != nil {
		t.Fatalf("CheckpointContainer: %v", err)
	}
	if rec.SourceRuntimeID != sb.RuntimeID {
		t.Errorf("source = %q", rec.SourceRuntimeID)
	}
	if _, err := h.exec.RestoreContainer(rec.ID); err != nil {
		t.Fatalf("RestoreContainer: %v", err)
	}
	if err := h.exec.DeleteCheckpoint(rec.ID); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := h.exec.RestoreContainer(rec.ID); err == nil {
		t.Fatal("restore after delete must fail")
	}
}
