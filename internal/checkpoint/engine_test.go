package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgekit/forge/internal/domain"
)

type fakeBlobs struct {
	data map[domain.BlobID][]byte
	n    int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: make(map[domain.BlobID][]byte)} }

func (f *fakeBlobs) Put(data []byte, codecHint domain.CompressionCodec, isExecutable bool) (domain.BlobID, error) {
	f.n++
	id := domain.BlobID(fmt.Sprintf("blob-%d", f.n))
	f.data[id] = append([]byte(nil), data...)
	return id, nil
}

func (f *fakeBlobs) Get(id domain.BlobID) ([]byte, error) {
	d, ok := f.data[id]
	if !ok {
		return nil, domain.ErrStorageCorrupt
	}
	return d, nil
}

type fakeManifests struct {
	byID map[string]*domain.Manifest
	n    int
}

func newFakeManifests() *fakeManifests {
	return &fakeManifests{byID: make(map[string]*domain.Manifest)}
}

func (f *fakeManifests) Create(m *domain.Manifest) (*domain.Manifest, error) {
	f.n++
	if m.ID == "" {
		m.ID = fmt.Sprintf("manifest-%d", f.n)
	}
	m.Seal()
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeManifests) Get(id string) (*domain.Manifest, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, domain.Errorf(domain.KindStorageCorrupt, "not found")
	}
	return m, nil
}

func (f *fakeManifests) Delete(id string) error {
	delete(f.byID, id)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeBlobs, *fakeManifests) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{ScratchDir: filepath.Join(root, "scratch"), RecordsDir: filepath.Join(root, "records")}
	blobs := newFakeBlobs()
	manifests := newFakeManifests()
	e, err := New(cfg, blobs, manifests)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, blobs, manifests
}

func TestStoreImagesDirUploadsEveryFile(t *testing.T) {
	e, blobs, _ := newTestEngine(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pages-1.img"), []byte("page data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "core-1.img"), []byte("core data"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, total, err := e.storeImagesDir(dir)
	if err != nil {
		t.Fatalf("storeImagesDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if total != int64(len("page data")+len("core data")) {
		t.Errorf("total = %d, want %d", total, len("page data")+len("core data"))
	}
	if len(blobs.data) != 2 {
		t.Errorf("blobs stored = %d, want 2", len(blobs.data))
	}
}

func TestRecordSaveGetDeleteRoundTrip(t *testing.T) {
	e, _, manifests := newTestEngine(t)

	m, err := manifests.Create(&domain.Manifest{Kind: domain.KindProcessCheckpoint})
	if err != nil {
		t.Fatalf("Create manifest: %v", err)
	}
	record := &domain.CheckpointRecord{ID: "cp-1", SourceRuntimeID: "rt-1", ManifestID: m.ID}
	if err := e.saveRecord(record); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	got, err := e.getRecord("cp-1")
	if err != nil {
		t.Fatalf("getRecord: %v", err)
	}
	if got.ManifestID != m.ID {
		t.Errorf("ManifestID = %q, want %q", got.ManifestID, m.ID)
	}

	if err := e.Delete("cp-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.getRecord("cp-1"); err == nil {
		t.Fatal("record still retrievable after Delete")
	}
	if _, err := manifests.Get(m.ID); err == nil {
		t.Fatal("manifest still retrievable after checkpoint Delete")
	}
}

func TestReconcileRecoversRecordsAcrossRestart(t *testing.T) {
	root := t.TempDir()
	cfg := Config{ScratchDir: filepath.Join(root, "scratch"), RecordsDir: filepath.Join(root, "records")}
	blobs := newFakeBlobs()
	manifests := newFakeManifests()

	e1, err := New(cfg, blobs, manifests)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e1.saveRecord(&domain.CheckpointRecord{ID: "cp-restart", ManifestID: "m-1"}); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	e2, err := New(cfg, blobs, manifests)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if _, err := e2.getRecord("cp-restart"); err != nil {
		t.Fatalf("getRecord after restart: %v", err)
	}
}
