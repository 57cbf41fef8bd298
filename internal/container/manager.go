// Package container implements the Container Engine: one of the two
// Sandbox backends (the other being internal/microvm). Each sandbox is a
// single Docker container running an in-guest agent reachable over a
// host-mapped TCP port, driven by the same length-prefixed JSON protocol
// the MicroVM Engine uses over vsock.
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/guest"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
)

// agentPort is the in-container port the agent listens on, the same
// well-known port the microVM agent uses on the guest side of the vsock.
const agentPort = guest.DefaultPort

// Config holds Container Engine configuration.
type Config struct {
	CodeDir        string // base directory for mounted per-sandbox scratch dirs
	ImagePrefix    string // fallback image prefix when an env id has no registry host
	Network        string // Docker network name (optional)
	PortRangeMin   int
	PortRangeMax   int
	CPULimit       float64
	MemoryMB       int
	DefaultTimeout time.Duration
	AgentTimeout   time.Duration
}

// DefaultConfig returns sensible defaults for the Container Engine.
func DefaultConfig() *Config {
	codeDir := os.Getenv("FORGE_CONTAINER_SCRATCH_DIR")
	if codeDir == "" {
		codeDir = "/tmp/forge/container"
	}
	imagePrefix := os.Getenv("FORGE_CONTAINER_IMAGE_PREFIX")
	if imagePrefix == "" {
		imagePrefix = "forge-runtime"
	}
	return &Config{
		CodeDir:        codeDir,
		ImagePrefix:    imagePrefix,
		Network:        os.Getenv("FORGE_CONTAINER_NETWORK"),
		PortRangeMin:   20000,
		PortRangeMax:   30000,
		CPULimit:       1.0,
		MemoryMB:       256,
		DefaultTimeout: 30 * time.Second,
		AgentTimeout:   10 * time.Second,
	}
}

// handle is the Container Engine's private bookkeeping for a live sandbox,
// layered on top of the backend-agnostic domain.Sandbox the rest of the
// platform sees.
type handle struct {
	sandbox     *domain.Sandbox
	containerID string
	port        int
	scratchDir  string
}

// Manager is the Container Engine.
type Manager struct {
	config   *Config
	handles  map[string]*handle // keyed by Sandbox.RuntimeID
	mu       sync.RWMutex
	nextPort int32
}

// NewManager creates a new Container Engine, verifying the docker CLI is
// reachable before accepting any work.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.CodeDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &Manager{
		config:   cfg,
		handles:  make(map[string]*handle),
		nextPort: int32(cfg.PortRangeMin),
	}, nil
}

func (m *Manager) allocatePort() int {
	port := atomic.AddInt32(&m.nextPort, 1) - 1
	if int(port) > m.config.PortRangeMax {
		atomic.StoreInt32(&m.nextPort, int32(m.config.PortRangeMin))
		port = int32(m.config.PortRangeMin)
	}
	return int(port)
}

// Create starts a new container sandbox for env and blocks until its agent
// answers a TCP dial, leaving the returned Sandbox in SandboxReady.
func (m *Manager) Create(ctx context.Context, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error) {
	return m.create(ctx, uuid.New().String()[:12], env, tenantID)
}

// CreateWithID is Create but accepts a caller-assigned runtime id instead of
// minting one, so a restored sandbox can be addressed by the same id the
// caller (the Fork Manager) already handed out to its child.
func (m *Manager) CreateWithID(ctx context.Context, runtimeID string, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error) {
	return m.create(ctx, runtimeID, env, tenantID)
}

func (m *Manager) create(ctx context.Context, runtimeID string, env domain.EnvironmentID, tenantID string) (*domain.Sandbox, error) {
	port := m.allocatePort()

	scratchDir := filepath.Join(m.config.CodeDir, runtimeID)
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, domain.NewError(domain.KindSandboxCreate, "create scratch dir", err)
	}

	image := imageRef(env, m.config.ImagePrefix)
	if err := m.ensureImage(ctx, image); err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}
	containerName := fmt.Sprintf("forge-%s", runtimeID)

	cpuLimit := m.config.CPULimit
	if cpuLimit <= 0 {
		cpuLimit = 1.0
	}
	memoryMB := m.config.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 256
	}

	args := []string{
		"run", "-d",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, agentPort),
		"-v", fmt.Sprintf("%s:/scratch:rw", scratchDir),
		"-e", "FORGE_AGENT_MODE=tcp",
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--cpus", fmt.Sprintf("%.2f", cpuLimit),
		"--pids-limit", "256",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if m.config.Network != "" {
		args = append(args, "--network", m.config.Network)
	}
	args = append(args, image)

	logging.Op().Debug("starting container sandbox", "image", image, "name", containerName, "port", port)

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, domain.NewError(domain.KindSandboxCreate, fmt.Sprintf("docker run failed: %s", output), err)
	}
	containerID := strings.TrimSpace(string(output))

	sandbox := domain.NewSandbox(runtimeID, domain.SandboxContainer, env)
	sandbox.TenantID = tenantID

	h := &handle{sandbox: sandbox, containerID: containerID, port: port, scratchDir: scratchDir}

	agentTimeout := m.config.AgentTimeout
	if agentTimeout == 0 {
		agentTimeout = 10 * time.Second
	}
	if err := waitForAgent(port, agentTimeout); err != nil {
		m.stopContainer(containerID, scratchDir)
		return nil, domain.NewError(domain.KindSandboxCreate, "agent not ready", err)
	}

	sandbox.Endpoint = domain.CommEndpoint{Kind: "tcp", Address: fmt.Sprintf("127.0.0.1:%d", port)}
	sandbox.Transition(domain.SandboxReady)
	metrics.Global().RecordVMCreated()

	m.mu.Lock()
	m.handles[runtimeID] = h
	m.mu.Unlock()

	logging.Op().Info("container sandbox ready", "container", shortID(containerID), "port", port)
	return sandbox, nil
}

// AttachRun dials the sandbox's agent and executes req against it. A
// command that runs and exits non-zero is a successful invocation with a
// populated exit code, never an error.
func (m *Manager) AttachRun(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	h, err := m.lookup(runtimeID)
	if err != nil {
		return nil, err
	}
	h.sandbox.Transition(domain.SandboxRunning)
	defer func() {
		h.sandbox.Transition(domain.SandboxReady)
		h.sandbox.Touch()
	}()

	timeout := req.TimeRemaining(time.Now())
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	command := guest.ShellJoin(req.Argv)
	start := time.Now()
	res, err := NewClient(h.port).Execute(ctx, command, req.Payload, timeout)
	if err != nil {
		return nil, domain.NewError(domain.KindCommunicationFailed, "execute", err)
	}

	out := &domain.Response{
		RequestID: req.ID,
		Stdout:    res.Output,
		ExitCode:  int(res.ExitCode),
		Duration:  time.Since(start),
	}
	if !res.Success {
		out.Stderr = []byte(res.Error)
		if out.ExitCode == 0 {
			out.ExitCode = 1
		}
	}
	return out, nil
}

// ensureImage pulls image if the local daemon does not already have it.
// Pull failures are fatal for the request and are not retried here;
// retrying is the caller's policy.
func (m *Manager) ensureImage(ctx context.Context, image string) error {
	if err := exec.CommandContext(ctx, "docker", "image", "inspect", image).Run(); err == nil {
		return nil
	}
	logging.Op().Info("pulling container image", "image", image)
	if out, err := exec.CommandContext(ctx, "docker", "pull", image).CombinedOutput(); err != nil {
		return domain.NewError(domain.KindEnvironmentFetch, fmt.Sprintf("docker pull %s: %s", image, out), err)
	}
	return nil
}

// Pause suspends the container's process tree via docker pause.
func (m *Manager) Pause(runtimeID string) error {
	h, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	if !h.sandbox.Transition(domain.SandboxPaused) {
		return domain.Errorf(domain.KindInvalidRequest, "sandbox %s cannot pause from its current state", runtimeID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "pause", h.containerID).CombinedOutput(); err != nil {
		h.sandbox.Transition(domain.SandboxRunning)
		return domain.NewError(domain.KindSandboxCreate, fmt.Sprintf("docker pause: %s", out), err)
	}
	return nil
}

// Resume reverses Pause.
func (m *Manager) Resume(runtimeID string) error {
	h, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	if !h.sandbox.Transition(domain.SandboxRunning) {
		return domain.Errorf(domain.KindInvalidRequest, "sandbox %s cannot resume from its current state", runtimeID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "unpause", h.containerID).CombinedOutput(); err != nil {
		return domain.NewError(domain.KindSandboxCreate, fmt.Sprintf("docker unpause: %s", out), err)
	}
	return nil
}

// Destroy stops and removes the container permanently.
func (m *Manager) Destroy(runtimeID string) error {
	m.mu.Lock()
	h, ok := m.handles[runtimeID]
	if !ok {
		m.mu.Unlock()
		return domain.Errorf(domain.KindInvalidRequest, "sandbox not found: %s", runtimeID)
	}
	delete(m.handles, runtimeID)
	m.mu.Unlock()

	h.sandbox.Transition(domain.SandboxDead)
	metrics.Global().RecordVMStopped()
	return m.stopContainer(h.containerID, h.scratchDir)
}

// Reset is the warm pool's release hook: it pings the agent and, if it
// answers, marks the sandbox clean and reusable. A failed ping means the
// sandbox is unfit for reuse and must be quarantined instead.
func (m *Manager) Reset(runtimeID string) error {
	h, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	client := NewClient(h.port)
	if err := client.Ping(); err != nil {
		return domain.NewError(domain.KindCommunicationFailed, "reset: agent ping failed", err)
	}
	h.sandbox.Transition(domain.SandboxReady)
	return nil
}

// Quarantine destroys a sandbox that failed Reset, rather than returning
// it to the warm pool.
func (m *Manager) Quarantine(runtimeID string) error {
	logging.Op().Warn("quarantining container sandbox", "runtime_id", runtimeID)
	return m.Destroy(runtimeID)
}

func (m *Manager) lookup(runtimeID string) (*handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[runtimeID]
	if !ok {
		return nil, domain.Errorf(domain.KindInvalidRequest, "sandbox not found: %s", runtimeID)
	}
	return h, nil
}

// GetSandbox returns the domain.Sandbox for a tracked container.
func (m *Manager) GetSandbox(runtimeID string) (*domain.Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[runtimeID]
	if !ok {
		return nil, false
	}
	return h.sandbox, true
}

// ListSandboxes returns every container sandbox currently tracked.
func (m *Manager) ListSandboxes() []*domain.Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Sandbox, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.sandbox)
	}
	return out
}

// ListStray returns the container names of forge-prefixed containers the
// docker daemon knows about that this Manager does not track, used by the
// startup reconciliation pass to reclaim sandboxes leaked by a crashed
// predecessor.
func (m *Manager) ListStray(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "name=forge-", "--format", "{{.Names}}").Output()
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	tracked := make(map[string]struct{})
	m.mu.RLock()
	for id := range m.handles {
		tracked["forge-"+id] = struct{}{}
	}
	m.mu.RUnlock()

	var stray []string
	for _, name := range strings.Fields(string(out)) {
		if _, ok := tracked[name]; !ok {
			stray = append(stray, name)
		}
	}
	return stray, nil
}

// RemoveStray force-removes a container by name, without requiring a
// tracked handle.
func (m *Manager) RemoveStray(ctx context.Context, name string) error {
	if out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput(); err != nil {
		return fmt.Errorf("remove stray container %s: %s: %w", name, out, err)
	}
	return nil
}

// Pid returns the host-visible PID of the container's init process, for
// callers driving a process-level checkpoint of the sandbox.
func (m *Manager) Pid(runtimeID string) (uint32, error) {
	h, err := m.lookup(runtimeID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Pid}}", h.containerID).Output()
	if err != nil {
		return 0, domain.NewError(domain.KindCheckpointUnavailable, "inspect container pid", err)
	}
	pid, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 32)
	if err != nil {
		return 0, domain.NewError(domain.KindCheckpointUnavailable, "parse container pid", err)
	}
	return uint32(pid), nil
}

func (m *Manager) stopContainer(containerID, scratchDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec.CommandContext(ctx, "docker", "stop", "-t", "2", containerID).Run()
	exec.CommandContext(ctx, "docker", "rm", "-f", containerID).Run()
	if scratchDir != "" {
		os.RemoveAll(scratchDir)
	}
	return nil
}

// Shutdown destroys every tracked container, used on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(runtimeID string) {
			defer wg.Done()
			m.Destroy(runtimeID)
		}(id)
	}
	wg.Wait()
}

func waitForAgent(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		if err := dialProbe(addr); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for agent on port %d", port)
}

// imageRef turns an environment id into a concrete docker image reference.
// Ids that already look like an image reference (contain a slash or a tag
// separator) pass through unchanged; bare names are namespaced under the
// configured prefix.
func imageRef(env domain.EnvironmentID, prefix string) string {
	s := string(env)
	if strings.Contains(s, "/") || strings.Contains(s, ":") {
		return s
	}
	if s == "" {
		return prefix + "-base"
	}
	return prefix + "-" + s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
