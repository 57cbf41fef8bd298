package blob

import (
	"bytes"
	"sync"
	"testing"

	"github.com/forgekit/forge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		Root:            t.TempDir(),
		HotMaxEntries:   64,
		HotMaxEntrySize: 1 << 20,
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello forge")
	id, err := s.Put(data, "", false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("duplicate me")

	id1, err := s.Put(data, "", false)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	id2, err := s.Put(data, "", false)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	meta, ok := s.Meta(id1)
	if !ok {
		t.Fatal("meta missing")
	}
	if meta.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", meta.RefCount)
	}
}

func TestConcurrentPutAgreesOnRefcount(t *testing.T) {
	s := newTestStore(t)
	data := []byte("raced content")

	const n = 32
	var wg sync.WaitGroup
	ids := make([]domain.BlobID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Put(data, "", false)
			if err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("inconsistent blob ids across racing puts")
		}
	}
	meta, ok := s.Meta(ids[0])
	if !ok {
		t.Fatal("meta missing")
	}
	if meta.RefCount != n {
		t.Errorf("RefCount = %d, want %d", meta.RefCount, n)
	}
}

func TestDeleteRemovesOnZeroRefcount(t *testing.T) {
	s := newTestStore(t)
	data := []byte("ephemeral")
	id, err := s.Put(data, "", false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(data, "", false); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete 1: %v", err)
	}
	if !s.Exists(id) {
		t.Fatal("blob disappeared after first Delete with refcount still positive")
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete 2: %v", err)
	}
	if s.Exists(id) {
		t.Fatal("blob still tracked after refcount reached zero")
	}
	if _, err := s.Get(id); err == nil {
		t.Fatal("Get succeeded after blob was fully deleted")
	}
}

func TestCodecSelectionAffectsStorage(t *testing.T) {
	s := newTestStore(t)
	small := make([]byte, 100)
	id, err := s.Put(small, "", false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	meta, _ := s.Meta(id)
	if meta.Codec != domain.CodecNone {
		t.Errorf("small blob codec = %q, want none", meta.Codec)
	}

	large := make([]byte, 10<<20) // matches domain's large-object threshold
	id2, err := s.Put(large, "", false)
	if err != nil {
		t.Fatalf("Put large: %v", err)
	}
	meta2, _ := s.Meta(id2)
	if meta2.Codec != domain.CodecFast {
		t.Errorf("large blob codec = %q, want fast", meta2.Codec)
	}
}

func TestReconcileRebuildsMetadataAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Root: root, HotMaxEntries: 64, HotMaxEntrySize: 1 << 20}
	s1, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("persisted across restart")
	id, err := s1.Put(data, "", false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if !s2.Exists(id) {
		t.Fatal("reconcile did not recover blob metadata")
	}
	got, err := s2.Get(id)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get after restart = %q, want %q", got, data)
	}
}
