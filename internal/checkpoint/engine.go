// Package checkpoint drives process-level checkpoint and restore of
// Linux containers via CRIU, storing the resulting image files through
// the Blob Store and recording each checkpoint as a sealed Manifest of
// kind ProcessCheckpoint. On non-Linux hosts every operation reports
// NotSupported; the type remains present so dependent code still
// compiles and degrades gracefully.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgekit/forge/internal/blob"
	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/manifest"
	"github.com/forgekit/forge/internal/metrics"
	"github.com/google/uuid"
)

// Blobs is the subset of blob.Store the engine depends on.
type Blobs interface {
	Put(data []byte, codecHint domain.CompressionCodec, isExecutable bool) (domain.BlobID, error)
	Get(id domain.BlobID) ([]byte, error)
}

// Manifests is the subset of manifest.Registry the engine depends on.
type Manifests interface {
	Create(m *domain.Manifest) (*domain.Manifest, error)
	Get(id string) (*domain.Manifest, error)
	Delete(id string) error
}

var _ Blobs = (*blob.Store)(nil)
var _ Manifests = (*manifest.Registry)(nil)

// Config controls where scratch directories for dump/restore live and
// where the lightweight checkpoint-record index is persisted.
type Config struct {
	ScratchDir string
	RecordsDir string
}

func DefaultConfig() Config {
	base := filepath.Join(os.TempDir(), "forge", "checkpoints")
	return Config{
		ScratchDir: filepath.Join(base, "scratch"),
		RecordsDir: filepath.Join(base, "records"),
	}
}

// Engine is the Checkpoint Engine.
type Engine struct {
	cfg       Config
	blobs     Blobs
	manifests Manifests

	mu      sync.RWMutex
	records map[string]*domain.CheckpointRecord
}

// New constructs an Engine, recovering any checkpoint records persisted
// by a prior process.
func New(cfg Config, blobs Blobs, manifests Manifests) (*Engine, error) {
	if cfg.ScratchDir == "" || cfg.RecordsDir == "" {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create scratch dir: %w", err)
	}
	if err := os.MkdirAll(cfg.RecordsDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create records dir: %w", err)
	}
	e := &Engine{cfg: cfg, blobs: blobs, manifests: manifests, records: make(map[string]*domain.CheckpointRecord)}
	if err := e.reconcile(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) recordPath(id string) string {
	return filepath.Join(e.cfg.RecordsDir, id+".json")
}

// Checkpoint serializes the process tree rooted at pid into a fresh
// scratch directory, stores every resulting image file as a blob, seals
// a ProcessCheckpoint manifest, and persists the CheckpointRecord.
func (e *Engine) Checkpoint(pid uint32, sourceRuntimeID string) (*domain.CheckpointRecord, error) {
	start := time.Now()
	id := uuid.NewString()
	imagesDir := filepath.Join(e.cfg.ScratchDir, id)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create images dir: %w", err)
	}
	defer os.RemoveAll(imagesDir)

	if err := criuDump(pid, imagesDir); err != nil {
		return nil, domain.NewError(domain.KindCheckpointUnavailable, fmt.Sprintf("dump pid %d", pid), err)
	}
	if hasEstablishedTCP(pid) {
		logging.Op().Warn("checkpoint: process holds established TCP connections, restore is best-effort",
			"pid", pid, "source", sourceRuntimeID)
	}

	entries, totalBytes, err := e.storeImagesDir(imagesDir)
	if err != nil {
		return nil, err
	}

	m := &domain.Manifest{
		Kind:    domain.KindProcessCheckpoint,
		Process: &domain.ProcessCheckpointPayload{PID: pid, ImagesDir: id},
		Entries: entries,
		Metadata: map[string]string{
			"source_runtime_id": sourceRuntimeID,
			"created_at":        time.Now().UTC().Format(time.RFC3339),
		},
	}
	sealed, err := e.manifests.Create(m)
	if err != nil {
		return nil, err
	}

	record := &domain.CheckpointRecord{
		ID:              id,
		SourceRuntimeID: sourceRuntimeID,
		CreatedAt:       time.Now(),
		TotalBytes:      totalBytes,
		Compressed:      true,
		Codec:           domain.CodecHighRatio,
		ManifestID:      sealed.ID,
	}
	if err := e.saveRecord(record); err != nil {
		return nil, err
	}
	metrics.Global().RecordCheckpoint(time.Since(start).Milliseconds())
	return record, nil
}

// Restore materializes a checkpoint's manifest blobs into a fresh
// scratch directory and invokes the kernel-assisted restore, returning
// the new top-level pid.
func (e *Engine) Restore(id string, newRuntimeID string) (uint32, error) {
	start := time.Now()
	record, err := e.getRecord(id)
	if err != nil {
		return 0, err
	}
	m, err := e.manifests.Get(record.ManifestID)
	if err != nil {
		return 0, domain.NewError(domain.KindCheckpointUnavailable, "manifest for checkpoint "+id, err)
	}

	restoreDir := filepath.Join(e.cfg.ScratchDir, "restore-"+newRuntimeID)
	if err := os.MkdirAll(restoreDir, 0o755); err != nil {
		return 0, fmt.Errorf("checkpoint: create restore dir: %w", err)
	}
	defer os.RemoveAll(restoreDir)

	for _, entry := range m.Entries {
		data, err := e.blobs.Get(entry.Blob)
		if err != nil {
			return 0, domain.NewError(domain.KindStorageCorrupt, "fetch image blob "+string(entry.Blob), err)
		}
		dest := filepath.Join(restoreDir, entry.Path)
		mode := os.FileMode(0o644)
		if entry.Mode != nil {
			mode = os.FileMode(*entry.Mode)
		}
		if err := os.WriteFile(dest, data, mode); err != nil {
			return 0, fmt.Errorf("checkpoint: write restored image %s: %w", entry.Path, err)
		}
	}

	pid, err := criuRestore(restoreDir)
	if err != nil {
		return 0, domain.NewError(domain.KindCheckpointUnavailable, "restore "+id, err)
	}
	metrics.Global().RecordRestore(time.Since(start).Milliseconds())
	return pid, nil
}

// Delete decrements blob refcounts per the manifest and drops both the
// manifest and the checkpoint record.
func (e *Engine) Delete(id string) error {
	record, err := e.getRecord(id)
	if err != nil {
		return err
	}
	if err := e.manifests.Delete(record.ManifestID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.records, id)
	e.mu.Unlock()
	if err := os.Remove(e.recordPath(id)); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("checkpoint: failed to remove record file", "id", id, "error", err)
	}
	metrics.Global().RecordCheckpointDeleted()
	return nil
}

func (e *Engine) storeImagesDir(dir string) ([]domain.ManifestEntry, int64, error) {
	var entries []domain.ManifestEntry
	var total int64
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: read images dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("checkpoint: read image file %s: %w", f.Name(), err)
		}
		id, err := e.blobs.Put(data, "", false)
		if err != nil {
			return nil, 0, fmt.Errorf("checkpoint: store image blob %s: %w", f.Name(), err)
		}
		info, _ := f.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		entries = append(entries, domain.ManifestEntry{Path: f.Name(), Blob: id, Size: size})
		total += size
	}
	return entries, total, nil
}

func (e *Engine) saveRecord(r *domain.CheckpointRecord) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal record: %w", err)
	}
	if err := os.WriteFile(e.recordPath(r.ID), data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write record: %w", err)
	}
	e.mu.Lock()
	e.records[r.ID] = r
	e.mu.Unlock()
	return nil
}

func (e *Engine) getRecord(id string) (*domain.CheckpointRecord, error) {
	e.mu.RLock()
	r, ok := e.records[id]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindCheckpointUnavailable, "checkpoint %s: not found", id)
	}
	return r, nil
}

func (e *Engine) reconcile() error {
	entries, err := os.ReadDir(e.cfg.RecordsDir)
	if err != nil {
		return fmt.Errorf("checkpoint: reconcile: read records dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(e.cfg.RecordsDir, ent.Name()))
		if err != nil {
			continue
		}
		var r domain.CheckpointRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			logging.Op().Warn("checkpoint: corrupt record file, skipping", "file", ent.Name(), "error", err)
			continue
		}
		e.records[r.ID] = &r
	}
	return nil
}
