package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

func (m *Manager) httpClientForSocket(socketPath string) *http.Client {
	m.socketClientsMu.Lock()
	defer m.socketClientsMu.Unlock()

	if c, ok := m.socketClients[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	m.socketClients[socketPath] = c
	return c
}

func (m *Manager) removeSocketClient(socketPath string) {
	m.socketClientsMu.Lock()
	defer m.socketClientsMu.Unlock()
	if c, ok := m.socketClients[socketPath]; ok {
		c.CloseIdleConnections()
		delete(m.socketClients, socketPath)
	}
}

func (m *Manager) apiCall(ctx context.Context, v *vm, method, path string, body interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := m.httpClientForSocket(v.socketPath)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (m *Manager) waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	deadline, _ := ctx.Deadline()
	if deadline.IsZero() {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline = time.Now().Add(timeout)
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("firecracker exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("socket timeout")
}

func buildRateLimiter(bandwidth, ops int64) map[string]interface{} {
	limiter := make(map[string]interface{})
	if bandwidth > 0 {
		limiter["bandwidth"] = map[string]interface{}{
			"size":           bandwidth,
			"refill_time":    1000,
			"one_time_burst": 0,
		}
	}
	if ops > 0 {
		limiter["ops"] = map[string]interface{}{
			"size":           ops,
			"refill_time":    1000,
			"one_time_burst": 0,
		}
	}
	return limiter
}

// bootSpec carries the resource limits a Launch caller wants applied,
// already resolved from the Request into plain numbers.
type bootSpec struct {
	MemoryMB       int
	VCPUs          int
	DiskIOPS       int64
	DiskBandwidth  int64
	NetRxBandwidth int64
	NetTxBandwidth int64
}

func (m *Manager) apiBoot(ctx context.Context, v *vm, rootfs, codeDrive string, spec bootSpec) error {
	mem := spec.MemoryMB
	if mem <= 0 {
		mem = 128
	}
	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}

	parts := splitSubnet(m.config.Subnet)
	gatewayIP := parts + ".1"

	logPath := filepath.Join(m.config.LogDir, v.runtimeID+"-fc.log")
	_ = m.apiCall(ctx, v, "PUT", "/logger", map[string]interface{}{
		"log_path": logPath,
		"level":    m.config.LogLevel,
	})

	netmask, err := netmaskFromCIDR(m.config.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet: %w", err)
	}
	bootArgs := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off init=/init quiet 8250.nr_uarts=0 ip=%s::%s:%s::eth0:off",
		v.guestIP, gatewayIP, netmask,
	)
	bs := map[string]interface{}{
		"kernel_image_path": m.config.KernelPath,
		"boot_args":         bootArgs,
	}
	if err := m.apiCall(ctx, v, "PUT", "/boot-source", bs); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	root := map[string]interface{}{
		"drive_id":       "rootfs",
		"path_on_host":   rootfs,
		"is_root_device": true,
		"is_read_only":   true,
		"io_engine":      "Async",
	}
	if err := m.apiCall(ctx, v, "PUT", "/drives/rootfs", root); err != nil {
		return fmt.Errorf("drive rootfs: %w", err)
	}

	code := map[string]interface{}{
		"drive_id":       "code",
		"path_on_host":   codeDrive,
		"is_root_device": false,
		"is_read_only":   true,
		"io_engine":      "Async",
	}
	if spec.DiskIOPS > 0 || spec.DiskBandwidth > 0 {
		code["rate_limiter"] = buildRateLimiter(spec.DiskBandwidth, spec.DiskIOPS)
	}
	if err := m.apiCall(ctx, v, "PUT", "/drives/code", code); err != nil {
		return fmt.Errorf("drive code: %w", err)
	}

	netIface := map[string]interface{}{
		"iface_id":      "eth0",
		"guest_mac":     v.guestMAC,
		"host_dev_name": v.tapDevice,
	}
	if spec.NetRxBandwidth > 0 {
		netIface["rx_rate_limiter"] = buildRateLimiter(spec.NetRxBandwidth, 0)
	}
	if spec.NetTxBandwidth > 0 {
		netIface["tx_rate_limiter"] = buildRateLimiter(spec.NetTxBandwidth, 0)
	}
	if err := m.apiCall(ctx, v, "PUT", "/network-interfaces/eth0", netIface); err != nil {
		return fmt.Errorf("network interface: %w", err)
	}

	vs := map[string]interface{}{
		"guest_cid": v.cid,
		"uds_path":  v.vsockPath,
	}
	if err := m.apiCall(ctx, v, "PUT", "/vsock", vs); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	mc := map[string]interface{}{
		"vcpu_count":   vcpus,
		"mem_size_mib": mem,
	}
	if err := m.apiCall(ctx, v, "PUT", "/machine-config", mc); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	if err := m.apiCall(ctx, v, "PUT", "/actions", map[string]interface{}{"action_type": "InstanceStart"}); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

func splitSubnet(subnet string) string {
	for i := 0; i < len(subnet); i++ {
		if subnet[i] == '/' {
			subnet = subnet[:i]
			break
		}
	}
	if len(subnet) > 2 && subnet[len(subnet)-2:] == ".0" {
		return subnet[:len(subnet)-2]
	}
	return subnet
}
