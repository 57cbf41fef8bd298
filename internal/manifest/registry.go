// Package manifest implements the Manifest Registry: a store of sealed,
// immutable snapshot records that each describe an ordered set of blob
// references plus kind-tagged metadata (process checkpoint, microVM
// snapshot, or container layer set). Every persistent artifact the
// platform produces is recorded here before it is considered durable.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgekit/forge/internal/blob"
	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/google/uuid"
)

// BlobResolver is the subset of blob.Store the registry depends on,
// narrowed so tests can substitute a fake without a real store.
type BlobResolver interface {
	Exists(id domain.BlobID) bool
	Delete(id domain.BlobID) error
}

// Config controls where manifests are persisted. The optional secondary
// index is passed to New separately.
type Config struct {
	Root string // "<root>/manifests/<id>.json"
}

// DefaultConfig roots the registry alongside the default blob store.
func DefaultConfig() Config {
	return Config{Root: filepath.Join(filepath.Dir(blob.DefaultConfig().Root), "manifests")}
}

// Registry is the Manifest Registry: a seal-once JSON file store with an
// in-memory index, optionally mirrored into a Postgres secondary index
// for query-by-kind/tenant.
type Registry struct {
	cfg   Config
	blobs BlobResolver
	index SecondaryIndex // may be a noop

	mu   sync.RWMutex
	byID map[string]*domain.Manifest
}

// New constructs a Registry rooted at cfg.Root, reconciling its
// in-memory index from any manifests already on disk. index may be nil,
// in which case queries fall back to a full in-memory scan.
func New(cfg Config, blobs BlobResolver, index SecondaryIndex) (*Registry, error) {
	if cfg.Root == "" {
		cfg = DefaultConfig()
	}
	if index == nil {
		index = noopIndex{}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create root: %w", err)
	}
	r := &Registry{
		cfg:   cfg,
		blobs: blobs,
		index: index,
		byID:  make(map[string]*domain.Manifest),
	}
	if err := r.reconcile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.cfg.Root, id+".json")
}

// Create validates that every entry (and, for MicroVMSnapshot manifests,
// the memory/state blobs) resolves in the blob store, seals the
// manifest, persists it, and mirrors it into the secondary index. A
// manifest with an unresolvable blob reference is rejected rather than
// sealed.
func (r *Registry) Create(m *domain.Manifest) (*domain.Manifest, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	for _, id := range m.BlobIDs() {
		if !r.blobs.Exists(id) {
			return nil, domain.Errorf(domain.KindStorageCorrupt, "manifest %s: blob %s not resolvable", m.ID, id)
		}
	}
	m.Seal()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal %s: %w", m.ID, err)
	}
	tmp := r.path(m.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("manifest: write staging file: %w", err)
	}
	if err := os.Rename(tmp, r.path(m.ID)); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("manifest: finalize write: %w", err)
	}

	r.writeSidecar(m)

	r.mu.Lock()
	r.byID[m.ID] = m
	r.mu.Unlock()

	if err := r.index.Upsert(m); err != nil {
		logging.Op().Warn("manifest: secondary index upsert failed", "id", m.ID, "error", err)
	}
	return m, nil
}

// writeSidecar persists the human-readable metadata map as
// <root>/<id>/metadata.json. The sidecar is informational: reading a
// manifest never requires it, and a failure to write it only logs.
func (r *Registry) writeSidecar(m *domain.Manifest) {
	if len(m.Metadata) == 0 {
		return
	}
	dir := filepath.Join(r.cfg.Root, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Op().Warn("manifest: create sidecar dir failed", "id", m.ID, "error", err)
		return
	}
	data, err := json.MarshalIndent(m.Metadata, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		logging.Op().Warn("manifest: write sidecar failed", "id", m.ID, "error", err)
	}
}

// Get returns the manifest with the given ID.
func (r *Registry) Get(id string) (*domain.Manifest, error) {
	r.mu.RLock()
	m, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindStorageCorrupt, "manifest %s: not found", id)
	}
	return m, nil
}

// Delete removes the manifest record and releases its blob references
// (each BlobIDs() entry is handed to the blob store's Delete, which is
// itself refcounted, so a blob shared by another manifest survives).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	m, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	for _, b := range m.BlobIDs() {
		if err := r.blobs.Delete(b); err != nil {
			logging.Op().Warn("manifest: failed to release blob on delete", "manifest", id, "blob", b, "error", err)
		}
	}
	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("manifest: failed to remove manifest file", "id", id, "error", err)
	}
	os.RemoveAll(filepath.Join(r.cfg.Root, id))
	if err := r.index.Delete(id); err != nil {
		logging.Op().Warn("manifest: secondary index delete failed", "id", id, "error", err)
	}
	return nil
}

// ListByKind returns every manifest of the given kind, preferring the
// secondary index when one is configured and falling back to an
// in-memory scan otherwise.
func (r *Registry) ListByKind(kind domain.ManifestKind) ([]*domain.Manifest, error) {
	if ids, err := r.index.QueryByKind(kind); err == nil && len(ids) > 0 {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*domain.Manifest, 0, len(ids))
		for _, id := range ids {
			if m, ok := r.byID[id]; ok {
				out = append(out, m)
			}
		}
		return out, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Manifest
	for _, m := range r.byID {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out, nil
}

// reconcile rebuilds the in-memory index from every manifest file found
// on disk, per the same startup-reconciliation requirement the blob
// store implements.
func (r *Registry) reconcile() error {
	entries, err := os.ReadDir(r.cfg.Root)
	if err != nil {
		return fmt.Errorf("manifest: reconcile: read root: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.cfg.Root, name))
		if err != nil {
			continue
		}
		var m domain.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			logging.Op().Warn("manifest: corrupt manifest file, skipping", "file", name, "error", err)
			continue
		}
		m.Seal()
		r.byID[m.ID] = &m
	}
	return nil
}
