package microvm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgekit/forge/internal/domain"
)

type fakeVMControl struct {
	snapshotDir string
	snapshots   int
	restores    int
	launches    int
	launchKey   string
}

func (f *fakeVMControl) Snapshot(_ context.Context, runtimeID, key string) error {
	f.snapshots++
	// Lay down the files a real snapshot produces.
	files := map[string][]byte{
		key + ".snap":      []byte("vm-state-bytes"),
		key + ".mem":       []byte("guest-memory-bytes"),
		key + ".meta":      []byte(`{"vsock_path":"/tmp/v.sock","vsock_cid":7}`),
		key + "-code.ext4": []byte("code-drive-bytes"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(f.snapshotDir, name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeVMControl) Restore(context.Context, string) error {
	f.restores++
	return nil
}

func (f *fakeVMControl) Launch(_ context.Context, env domain.EnvironmentID, tenantID string, _, _ int, _ []byte, restoreKey string) (*domain.Sandbox, error) {
	f.launches++
	f.launchKey = restoreKey
	return domain.NewSandbox("restored", domain.SandboxMicroVM, env), nil
}

func (f *fakeVMControl) SnapshotDir() string { return f.snapshotDir }

type memBlobs struct {
	data map[domain.BlobID][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[domain.BlobID][]byte)} }

func (b *memBlobs) Put(data []byte, _ domain.CompressionCodec, _ bool) (domain.BlobID, error) {
	sum := sha256.Sum256(data)
	id := domain.BlobID(hex.EncodeToString(sum[:]))
	b.data[id] = append([]byte(nil), data...)
	return id, nil
}

func (b *memBlobs) Get(id domain.BlobID) ([]byte, error) {
	data, ok := b.data[id]
	if !ok {
		return nil, domain.ErrStorageCorrupt
	}
	return data, nil
}

type memManifests struct {
	byID map[string]*domain.Manifest
}

func newMemManifests() *memManifests { return &memManifests{byID: make(map[string]*domain.Manifest)} }

func (m *memManifests) Create(mf *domain.Manifest) (*domain.Manifest, error) {
	mf.Seal()
	m.byID[mf.ID] = mf
	return mf, nil
}

func (m *memManifests) Get(id string) (*domain.Manifest, error) {
	mf, ok := m.byID[id]
	if !ok {
		return nil, domain.Errorf(domain.KindStorageCorrupt, "manifest not found: %s", id)
	}
	return mf, nil
}

func TestArchiverCheckpointSealsMicroVMSnapshotManifest(t *testing.T) {
	vm := &fakeVMControl{snapshotDir: t.TempDir()}
	blobs := newMemBlobs()
	manifests := newMemManifests()
	a := NewArchiver(vm, blobs, manifests)

	id, err := a.Checkpoint(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if vm.snapshots != 1 || vm.restores != 1 {
		t.Errorf("snapshots=%d restores=%d, want 1/1 (VM must resume after capture)", vm.snapshots, vm.restores)
	}

	m, err := manifests.Get(id)
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	if m.Kind != domain.KindMicroVMSnapshot {
		t.Errorf("kind = %s", m.Kind)
	}
	if m.MicroVM == nil || m.MicroVM.StateBlob == "" || m.MicroVM.MemoryBlob == "" {
		t.Fatalf("payload blobs not recorded: %+v", m.MicroVM)
	}
	state, err := blobs.Get(m.MicroVM.StateBlob)
	if err != nil || string(state) != "vm-state-bytes" {
		t.Errorf("state blob = %q, %v", state, err)
	}
	mem, err := blobs.Get(m.MicroVM.MemoryBlob)
	if err != nil || string(mem) != "guest-memory-bytes" {
		t.Errorf("memory blob = %q, %v", mem, err)
	}

	// Scratch files are redundant with the blobs once sealed.
	if _, err := os.Stat(filepath.Join(vm.snapshotDir, id+".snap")); !os.IsNotExist(err) {
		t.Error("scratch state file should be removed after sealing")
	}
}

func TestArchiverRestoreMaterializesAndLaunches(t *testing.T) {
	vm := &fakeVMControl{snapshotDir: t.TempDir()}
	blobs := newMemBlobs()
	manifests := newMemManifests()
	a := NewArchiver(vm, blobs, manifests)

	id, err := a.Checkpoint(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	sb, err := a.Restore(context.Background(), id, "envA", "tenant-1", 256, 1)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if sb == nil || vm.launches != 1 || vm.launchKey != id {
		t.Fatalf("launches=%d key=%q", vm.launches, vm.launchKey)
	}
	for _, name := range []string{id + ".snap", id + ".mem", id + ".meta"} {
		if _, err := os.Stat(filepath.Join(vm.snapshotDir, name)); err != nil {
			t.Errorf("materialized file %s missing: %v", name, err)
		}
	}
}

func TestArchiverRestoreRejectsWrongManifestKind(t *testing.T) {
	vm := &fakeVMControl{snapshotDir: t.TempDir()}
	manifests := newMemManifests()
	manifests.Create(&domain.Manifest{
		ID:      "proc-1",
		Kind:    domain.KindProcessCheckpoint,
		Process: &domain.ProcessCheckpointPayload{PID: 42},
	})
	a := NewArchiver(vm, newMemBlobs(), manifests)

	_, err := a.Restore(context.Background(), "proc-1", "envA", "", 256, 1)
	var derr *domain.Error
	if err == nil || !errors.As(err, &derr) || derr.Kind != domain.KindInvalidRequest {
		t.Fatalf("err = %v, want InvalidRequest", err)
	}
}
