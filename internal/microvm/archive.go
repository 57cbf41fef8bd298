package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
)

// Blobs is the subset of the Blob Store the archiver depends on.
type Blobs interface {
	Put(data []byte, codecHint domain.CompressionCodec, isExecutable bool) (domain.BlobID, error)
	Get(id domain.BlobID) ([]byte, error)
}

// Manifests is the subset of the Manifest Registry the archiver depends on.
type Manifests interface {
	Create(m *domain.Manifest) (*domain.Manifest, error)
	Get(id string) (*domain.Manifest, error)
}

// vmControl is the slice of Manager the archiver drives. Narrowed to an
// interface so tests can exercise the blob/manifest plumbing without a
// Firecracker binary on the host.
type vmControl interface {
	Snapshot(ctx context.Context, runtimeID, key string) error
	Restore(ctx context.Context, runtimeID string) error
	Launch(ctx context.Context, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int, codeContent []byte, restoreKey string) (*domain.Sandbox, error)
	SnapshotDir() string
}

var _ vmControl = (*Manager)(nil)

// Archiver turns raw Firecracker snapshot files into content-addressed,
// deduplicated checkpoint artifacts: the VM state file and guest memory
// file become blobs, sealed under a MicroVMSnapshot manifest whose id is
// the checkpoint id callers restore from later, possibly after a daemon
// restart on a host whose snapshot scratch directory is long gone.
type Archiver struct {
	manager   vmControl
	blobs     Blobs
	manifests Manifests
}

// NewArchiver binds the manager's snapshot surface to persistent storage.
func NewArchiver(m vmControl, blobs Blobs, manifests Manifests) *Archiver {
	return &Archiver{manager: m, blobs: blobs, manifests: manifests}
}

const (
	entryState     = "vm.snap"
	entryMemory    = "vm.mem"
	entryMeta      = "vm.meta"
	entryCodeDrive = "code.ext4"
)

// Checkpoint captures a full snapshot of runtimeID, stores the state and
// memory files as blobs, seals a MicroVMSnapshot manifest, and resumes
// the VM. The returned id addresses the manifest.
func (a *Archiver) Checkpoint(ctx context.Context, runtimeID string) (string, error) {
	id := uuid.NewString()
	if err := a.manager.Snapshot(ctx, runtimeID, id); err != nil {
		return "", err
	}
	defer func() {
		if err := a.manager.Restore(ctx, runtimeID); err != nil {
			logging.Op().Warn("resume after snapshot failed", "runtime_id", runtimeID, "error", err)
		}
	}()

	dir := a.manager.SnapshotDir()
	files := []struct {
		entry    string
		path     string
		required bool
	}{
		{entryState, filepath.Join(dir, id+".snap"), true},
		{entryMemory, filepath.Join(dir, id+".mem"), true},
		{entryMeta, filepath.Join(dir, id+".meta"), true},
		{entryCodeDrive, filepath.Join(dir, id+"-code.ext4"), false},
	}

	m := &domain.Manifest{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Kind:      domain.KindMicroVMSnapshot,
		MicroVM:   &domain.MicroVMSnapshotPayload{VMID: runtimeID},
		Metadata: map[string]string{
			"source_runtime_id": runtimeID,
		},
	}

	var total int64
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if !f.required && os.IsNotExist(err) {
				continue
			}
			return "", domain.NewError(domain.KindCheckpointUnavailable, "read snapshot file "+f.entry, err)
		}
		// Memory images are large and mostly binary; the codec policy
		// routes them to the fast codec on size alone.
		blobID, err := a.blobs.Put(data, "", f.entry == entryCodeDrive)
		if err != nil {
			return "", err
		}
		m.Entries = append(m.Entries, domain.ManifestEntry{
			Path: f.entry,
			Blob: blobID,
			Size: int64(len(data)),
		})
		switch f.entry {
		case entryState:
			m.MicroVM.StateBlob = blobID
		case entryMemory:
			m.MicroVM.MemoryBlob = blobID
		}
		total += int64(len(data))
		// The scratch copy is now redundant with the blob.
		os.Remove(f.path)
	}

	if _, err := a.manifests.Create(m); err != nil {
		return "", err
	}
	logging.Op().Info("microvm checkpoint sealed", "checkpoint_id", id, "runtime_id", runtimeID, "bytes", total)
	return id, nil
}

// Materialize rebuilds the snapshot scratch files for checkpointID from
// its manifest's blobs, returning the restore key Launch understands.
// It is idempotent: files already present on disk are left alone.
func (a *Archiver) Materialize(checkpointID string) (string, error) {
	m, err := a.manifests.Get(checkpointID)
	if err != nil {
		return "", err
	}
	if m.Kind != domain.KindMicroVMSnapshot {
		return "", domain.Errorf(domain.KindInvalidRequest, "manifest %s is %s, not a microvm snapshot", checkpointID, m.Kind)
	}

	dir := a.manager.SnapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	for _, e := range m.Entries {
		var name string
		switch e.Path {
		case entryState:
			name = checkpointID + ".snap"
		case entryMemory:
			name = checkpointID + ".mem"
		case entryMeta:
			name = checkpointID + ".meta"
		case entryCodeDrive:
			name = checkpointID + "-code.ext4"
		default:
			continue
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := a.blobs.Get(e.Blob)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return "", fmt.Errorf("materialize %s: %w", e.Path, err)
		}
	}
	// The snapshot state references the code drive by the path the
	// source VM used; put a copy back there so Firecracker can open it.
	metaData, err := os.ReadFile(filepath.Join(dir, checkpointID+".meta"))
	if err == nil {
		var meta snapshotMeta
		if json.Unmarshal(metaData, &meta) == nil && meta.CodeDrive != "" {
			backup := filepath.Join(dir, checkpointID+"-code.ext4")
			if _, err := os.Stat(meta.CodeDrive); os.IsNotExist(err) {
				if _, err := os.Stat(backup); err == nil {
					if err := copyFile(backup, meta.CodeDrive); err != nil {
						return "", fmt.Errorf("restore code drive: %w", err)
					}
				}
			}
		}
	}
	return checkpointID, nil
}

// Restore launches a fresh microVM from checkpointID, materializing the
// snapshot files from blob storage first.
func (a *Archiver) Restore(ctx context.Context, checkpointID string, env domain.EnvironmentID, tenantID string, memoryMB, vcpus int) (*domain.Sandbox, error) {
	key, err := a.Materialize(checkpointID)
	if err != nil {
		return nil, err
	}
	return a.manager.Launch(ctx, env, tenantID, memoryMB, vcpus, nil, key)
}
