package microvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/guest"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
)

// Launch boots a microVM for env and blocks until its guest transport is
// reachable, leaving the returned Sandbox in SandboxReady. If a snapshot
// for restoreKey already exists, the VM is restored from it instead of
// cold-booting.
func (m *Manager) Launch(ctx context.Context, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int, codeContent []byte, restoreKey string) (*domain.Sandbox, error) {
	runtimeID := uuid.New().String()[:8]
	cid, err := m.allocateCID()
	if err != nil {
		return nil, domain.NewError(domain.KindSandboxCreate, "allocate vsock cid", err)
	}
	cidAllocated := true

	v := &vm{
		runtimeID:  runtimeID,
		sandbox:    domain.NewSandbox(runtimeID, domain.SandboxMicroVM, env),
		cid:        cid,
		socketPath: m.socketPathFor(runtimeID),
		vsockPath:  m.vsockPathFor(runtimeID),
	}
	v.sandbox.TenantID = tenantID

	cleanup := func() {
		if cidAllocated {
			m.releaseCID(cid)
		}
		m.releaseIP(v.guestIP)
	}

	_ = os.Remove(v.socketPath)
	_ = os.Remove(v.vsockPath)

	rootfsPath := filepath.Join(m.config.RootfsDir, rootfsForEnv(env))
	if _, err := os.Stat(rootfsPath); os.IsNotExist(err) {
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, fmt.Sprintf("rootfs not found: %s", rootfsPath), err)
	}

	codeDrive := filepath.Join(m.config.SocketDir, runtimeID+"-code.ext4")
	if err := m.buildCodeDrive(codeDrive, codeContent); err != nil {
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "build code drive", err)
	}
	v.codeDrive = codeDrive

	if err := m.ensureBridge(); err != nil {
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "ensure bridge", err)
	}
	tap, err := m.createTAP(runtimeID)
	if err != nil {
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "create tap", err)
	}
	v.tapDevice = tap
	ip, err := m.allocateIP()
	if err != nil {
		deleteTAP(v.tapDevice)
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "allocate guest ip", err)
	}
	v.guestIP = ip
	v.guestMAC = generateMAC(runtimeID)

	var snapMeta *snapshotMeta
	useSnapshot := false
	if restoreKey != "" {
		snapPath := filepath.Join(m.config.SnapshotDir, restoreKey+".snap")
		memPath := filepath.Join(m.config.SnapshotDir, restoreKey+".mem")
		if _, err := os.Stat(snapPath); err == nil {
			if _, err := os.Stat(memPath); err == nil {
				useSnapshot = true
			}
		}
	}

	logFile, err := os.Create(filepath.Join(m.config.LogDir, runtimeID+".log"))
	if err != nil {
		deleteTAP(v.tapDevice)
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "create log file", err)
	}

	cmd := exec.Command(m.config.FirecrackerBin, "--api-sock", v.socketPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		deleteTAP(v.tapDevice)
		cleanup()
		return nil, domain.NewError(domain.KindSandboxCreate, "start firecracker", err)
	}
	logFile.Close()
	v.cmd = cmd

	bootTimeout := m.config.BootTimeout
	if bootTimeout <= 0 {
		bootTimeout = 10 * time.Second
	}
	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	if err := m.waitForSocket(bootCtx, v.socketPath, cmd.Process, bootTimeout); err != nil {
		m.teardown(v)
		return nil, domain.NewError(domain.KindSandboxCreate, "wait api socket", err)
	}

	spec := bootSpec{MemoryMB: memoryMB, VCPUs: vcpus}
	if useSnapshot {
		snapMeta, err = m.apiLoadSnapshot(bootCtx, v, restoreKey)
	} else {
		err = m.apiBoot(bootCtx, v, rootfsPath, codeDrive, spec)
	}
	if err != nil {
		m.teardown(v)
		return nil, domain.NewError(domain.KindSandboxCreate, "boot vm", err)
	}
	_ = snapMeta

	v.sandbox.Transition(domain.SandboxReady)

	m.mu.Lock()
	m.vms[runtimeID] = v
	m.mu.Unlock()

	metrics.Global().RecordVMCreated()
	if useSnapshot {
		metrics.Global().RecordSnapshotHit()
	}

	go m.monitorProcess(v)

	if err := m.waitForVsock(ctx, v); err != nil {
		m.Stop(runtimeID)
		return nil, domain.NewError(domain.KindSandboxCreate, "wait vsock", err)
	}
	v.sandbox.Endpoint = domain.CommEndpoint{Kind: "vsock", Address: v.vsockPath}

	logging.Op().Info("microvm sandbox ready", "runtime_id", runtimeID, "guest_ip", v.guestIP)
	return v.sandbox, nil
}

func (m *Manager) teardown(v *vm) {
	if v.cmd != nil && v.cmd.Process != nil {
		syscall.Kill(-v.cmd.Process.Pid, syscall.SIGKILL)
		v.cmd.Wait()
	}
	deleteTAP(v.tapDevice)
	os.Remove(v.socketPath)
	os.Remove(v.vsockPath)
	if !v.preserveCodeDrive {
		os.Remove(v.codeDrive)
	}
	m.releaseCID(v.cid)
	m.releaseIP(v.guestIP)
}

func (m *Manager) waitForVsock(ctx context.Context, v *vm) error {
	bootTimeout := m.config.BootTimeout
	if bootTimeout <= 0 {
		bootTimeout = 10 * time.Second
	}
	deadline := time.Now().Add(bootTimeout)

	socketDir := filepath.Dir(v.vsockPath)
	socketName := filepath.Base(v.vsockPath)

	if _, err := os.Stat(v.vsockPath); err != nil {
		if err := waitForFileInotify(ctx, socketDir, socketName, deadline); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			for time.Now().Before(deadline) {
				if _, err := os.Stat(v.vsockPath); err == nil {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}

	var lastDialErr error
	for time.Now().Before(deadline) {
		if _, err := os.Stat(v.vsockPath); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		conn, err := dialVsock(v.vsockPath, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		lastDialErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	if lastDialErr != nil {
		return fmt.Errorf("vsock timeout: %w", lastDialErr)
	}
	return fmt.Errorf("vsock timeout: socket not created: %s", v.vsockPath)
}

// monitorProcess watches a Firecracker process and cleans up if it dies
// unexpectedly while still tracked by the Manager.
func (m *Manager) monitorProcess(v *vm) {
	if v.cmd == nil || v.cmd.Process == nil {
		return
	}
	err := v.cmd.Wait()

	m.mu.RLock()
	_, stillTracked := m.vms[v.runtimeID]
	m.mu.RUnlock()

	if !stillTracked {
		return
	}

	exitCode := -1
	if v.cmd.ProcessState != nil {
		exitCode = v.cmd.ProcessState.ExitCode()
	}
	logging.Op().Error("microvm died unexpectedly",
		"runtime_id", v.runtimeID, "exit_code", exitCode, "error", err)
	metrics.Global().RecordVMCrashed()

	m.mu.Lock()
	delete(m.vms, v.runtimeID)
	m.mu.Unlock()

	m.removeSocketClient(v.socketPath)
	deleteTAP(v.tapDevice)
	os.Remove(v.socketPath)
	os.Remove(v.vsockPath)
	if !v.preserveCodeDrive {
		os.Remove(v.codeDrive)
	}
	m.releaseCID(v.cid)
	m.releaseIP(v.guestIP)
	v.sandbox.Transition(domain.SandboxDead)
}

// AttachRun delivers req to the sandbox's guest over whichever transport is
// reachable, trying vsock first, then SSH, then the serial console.
func (m *Manager) AttachRun(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return nil, err
	}
	v.sandbox.Transition(domain.SandboxRunning)
	defer func() {
		v.sandbox.Transition(domain.SandboxReady)
		v.sandbox.Touch()
	}()

	timeout := req.TimeRemaining(time.Now())
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	command := guest.ShellJoin(req.Argv)
	start := time.Now()

	vc := newVsockClient(v.vsockPath)
	res, err := vc.Execute(ctx, command, req.Payload, timeout)
	if err == nil {
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
	logging.Op().Warn("vsock execute failed, falling back", "runtime_id", runtimeID, "error", err)

	if m.config.SSHPort > 0 {
		ssh := newSSHTransport(v.guestIP, m.config.SSHPort, m.config.SSHUser, m.config.SSHKeyPath)
		stdout, stderr, exitCode, err := ssh.run(req.Argv, req.Payload, timeout)
		if err == nil {
			return &domain.Response{
				RequestID: req.ID,
				Stdout:    stdout,
				Stderr:    stderr,
				ExitCode:  exitCode,
				Duration:  time.Since(start),
			}, nil
		}
		logging.Op().Warn("ssh execute failed, falling back to serial", "runtime_id", runtimeID, "error", err)
	}

	serialPath := filepath.Join("/dev", "forge-console-"+runtimeID)
	serial := newSerialTransport(serialPath, timeout)
	var output []byte
	var exitCode int
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		output, exitCode, err = serial.run(command, req.Payload)
		if err == nil {
			break
		}
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return nil, domain.NewError(domain.KindCommunicationFailed, "all guest transports failed", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	if err != nil {
		return nil, domain.NewError(domain.KindCommunicationFailed, "all guest transports failed", err)
	}
	return &domain.Response{
		RequestID: req.ID,
		Stdout:    output,
		ExitCode:  exitCode,
		Duration:  time.Since(start),
	}, nil
}

// Pause suspends the VM via the Firecracker API.
func (m *Manager) Pause(ctx context.Context, runtimeID string) error {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	if !v.sandbox.Transition(domain.SandboxPaused) {
		return domain.Errorf(domain.KindInvalidRequest, "sandbox %s cannot pause from its current state", runtimeID)
	}
	if err := m.apiCall(ctx, v, "PATCH", "/vm", map[string]interface{}{"state": "Paused"}); err != nil {
		v.sandbox.Transition(domain.SandboxRunning)
		return domain.NewError(domain.KindSandboxCreate, "pause vm", err)
	}
	return nil
}

// Resume reverses Pause.
func (m *Manager) Resume(ctx context.Context, runtimeID string) error {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	if !v.sandbox.Transition(domain.SandboxRunning) {
		return domain.Errorf(domain.KindInvalidRequest, "sandbox %s cannot resume from its current state", runtimeID)
	}
	return m.apiCall(ctx, v, "PATCH", "/vm", map[string]interface{}{"state": "Resumed"})
}

// Reset is the warm pool's release hook for microVM sandboxes: it pings
// the guest agent over vsock and, if it answers, marks the sandbox clean
// and reusable. A failed ping means the sandbox is unfit for reuse and
// must be quarantined instead.
func (m *Manager) Reset(runtimeID string) error {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	vc := newVsockClient(v.vsockPath)
	if err := vc.Ping(); err != nil {
		return domain.NewError(domain.KindCommunicationFailed, "reset: agent ping failed", err)
	}
	v.sandbox.Transition(domain.SandboxReady)
	return nil
}

// Quarantine destroys a sandbox that failed Reset, rather than returning
// it to the warm pool.
func (m *Manager) Quarantine(runtimeID string) error {
	logging.Op().Warn("quarantining microvm sandbox", "runtime_id", runtimeID)
	return m.Stop(runtimeID)
}

// Stop shuts the VM down: SIGTERM to the Firecracker process group, then
// SIGKILL after a grace period, followed by full resource cleanup.
func (m *Manager) Stop(runtimeID string) error {
	m.mu.Lock()
	v, ok := m.vms[runtimeID]
	if !ok {
		m.mu.Unlock()
		return domain.Errorf(domain.KindInvalidRequest, "sandbox not found: %s", runtimeID)
	}
	delete(m.vms, runtimeID)
	m.mu.Unlock()

	metrics.Global().RecordVMStopped()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cmd != nil && v.cmd.Process != nil {
		syscall.Kill(-v.cmd.Process.Pid, syscall.SIGTERM)
		done := make(chan struct{})
		go func() { v.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			syscall.Kill(-v.cmd.Process.Pid, syscall.SIGKILL)
			v.cmd.Wait()
		}
	}

	m.removeSocketClient(v.socketPath)
	deleteTAP(v.tapDevice)
	os.Remove(v.socketPath)
	os.Remove(v.vsockPath)
	if !v.preserveCodeDrive {
		os.Remove(v.codeDrive)
	}
	m.releaseCID(v.cid)
	m.releaseIP(v.guestIP)
	v.sandbox.Transition(domain.SandboxDead)
	return nil
}

func (m *Manager) lookup(runtimeID string) (*vm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vms[runtimeID]
	if !ok {
		return nil, domain.Errorf(domain.KindInvalidRequest, "sandbox not found: %s", runtimeID)
	}
	return v, nil
}

// GetSandbox returns the domain.Sandbox for a tracked microVM.
func (m *Manager) GetSandbox(runtimeID string) (*domain.Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vms[runtimeID]
	if !ok {
		return nil, false
	}
	return v.sandbox, true
}

// ListSandboxes returns every microVM sandbox currently tracked.
func (m *Manager) ListSandboxes() []*domain.Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Sandbox, 0, len(m.vms))
	for _, v := range m.vms {
		out = append(out, v.sandbox)
	}
	return out
}

// Shutdown stops every tracked microVM in parallel, used on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(runtimeID string) {
			defer wg.Done()
			m.Stop(runtimeID)
		}(id)
	}
	wg.Wait()
}

// SnapshotDir returns the directory where snapshots are stored.
func (m *Manager) SnapshotDir() string {
	return m.config.SnapshotDir
}
