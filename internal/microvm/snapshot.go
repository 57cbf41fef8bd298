package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgekit/forge/internal/domain"
)

// snapshotMeta stores the metadata needed to restore a Firecracker snapshot:
// the vsock path/CID and code drive path it was captured with, since the
// restoring VM gets a freshly allocated CID, TAP, and guest IP of its own.
type snapshotMeta struct {
	VsockPath       string `json:"vsock_path"`
	VsockCID        uint32 `json:"vsock_cid"`
	CodeDrive       string `json:"code_drive,omitempty"`
	CodeDriveBackup string `json:"code_drive_backup,omitempty"`
	GuestIP         string `json:"guest_ip,omitempty"`
	GuestMAC        string `json:"guest_mac,omitempty"`
}

// Snapshot pauses the sandbox, captures a full Firecracker snapshot under
// key, and marks the sandbox's code drive to survive the eventual Stop
// (Firecracker's snapshot state references the original backing file path).
func (m *Manager) Snapshot(ctx context.Context, runtimeID, key string) error {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}

	if !v.sandbox.Transition(domain.SandboxCheckpointing) {
		return domain.Errorf(domain.KindInvalidRequest, "sandbox %s cannot snapshot from its current state", runtimeID)
	}

	if err := m.apiCall(ctx, v, "PATCH", "/vm", map[string]interface{}{"state": "Paused"}); err != nil {
		return domain.NewError(domain.KindCheckpointUnavailable, "pause vm for snapshot", err)
	}

	snapPath := filepath.Join(m.config.SnapshotDir, key+".snap")
	memPath := filepath.Join(m.config.SnapshotDir, key+".mem")
	req := map[string]interface{}{
		"snapshot_type": "Full",
		"snapshot_path": snapPath,
		"mem_file_path": memPath,
	}
	if err := m.apiCall(ctx, v, "PUT", "/snapshot/create", req); err != nil {
		return domain.NewError(domain.KindCheckpointUnavailable, "create snapshot", err)
	}

	persistentCodeDrive := filepath.Join(m.config.SnapshotDir, key+"-code.ext4")
	if err := copyFile(v.codeDrive, persistentCodeDrive); err != nil {
		return domain.NewError(domain.KindCheckpointUnavailable, "persist code drive for snapshot", err)
	}

	meta := snapshotMeta{
		VsockPath:       v.vsockPath,
		VsockCID:        v.cid,
		CodeDrive:       v.codeDrive,
		CodeDriveBackup: persistentCodeDrive,
		GuestIP:         v.guestIP,
		GuestMAC:        v.guestMAC,
	}
	metaData, _ := json.Marshal(meta)
	metaPath := filepath.Join(m.config.SnapshotDir, key+".meta")
	if err := os.WriteFile(metaPath, metaData, 0644); err != nil {
		return domain.NewError(domain.KindCheckpointUnavailable, "write snapshot metadata", err)
	}

	v.preserveCodeDrive = true
	return nil
}

// Restore resumes a paused sandbox after a snapshot was taken in the same
// process lifetime (no reboot in between).
func (m *Manager) Restore(ctx context.Context, runtimeID string) error {
	v, err := m.lookup(runtimeID)
	if err != nil {
		return err
	}
	if err := m.apiCall(ctx, v, "PATCH", "/vm", map[string]interface{}{"state": "Resumed"}); err != nil {
		return domain.NewError(domain.KindCheckpointUnavailable, "resume vm", err)
	}
	v.sandbox.Transition(domain.SandboxRunning)
	return nil
}

// apiLoadSnapshot boots a freshly created VM process by loading a
// previously captured snapshot instead of a cold kernel boot. Only Logger
// and Metrics may be configured before /snapshot/load; everything else
// (vsock, drives, network) comes from the snapshot state, rebound to this
// VM's own TAP device via the network_overrides field.
func (m *Manager) apiLoadSnapshot(ctx context.Context, v *vm, key string) (*snapshotMeta, error) {
	metaPath := filepath.Join(m.config.SnapshotDir, key+".meta")
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot metadata: %w", err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("parse snapshot metadata: %w", err)
	}

	_ = os.Remove(meta.VsockPath)
	v.vsockPath = meta.VsockPath
	v.cid = meta.VsockCID

	logPath := filepath.Join(m.config.LogDir, v.runtimeID+"-fc.log")
	_ = m.apiCall(ctx, v, "PUT", "/logger", map[string]interface{}{
		"log_path": logPath,
		"level":    m.config.LogLevel,
	})

	snapPath := filepath.Join(m.config.SnapshotDir, key+".snap")
	memPath := filepath.Join(m.config.SnapshotDir, key+".mem")
	req := map[string]interface{}{
		"snapshot_path": snapPath,
		"mem_backend": map[string]interface{}{
			"backend_type": "File",
			"backend_path": memPath,
		},
		"resume_vm": true,
	}
	if v.tapDevice != "" {
		req["network_overrides"] = []map[string]interface{}{
			{"iface_id": "eth0", "host_dev_name": v.tapDevice},
		}
	}

	if err := m.apiCall(ctx, v, "PUT", "/snapshot/load", req); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &meta, nil
}
