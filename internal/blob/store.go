// Package blob implements the content-addressed, deduplicating,
// optionally compressed byte store that every persistent artifact in
// the platform (checkpoint images, microVM snapshots, container layers)
// is written through.
//
// # Tiered storage
//
// Two mandatory logical tiers: hot (in-process LRU, bounded by entry
// count and a per-entry size ceiling) and warm (local disk, laid out as
// <root>/<hh>/<remaining-62-hex-chars>). A third, optional
// cold tier is a pluggable ColdBackend; the default implementation
// returns NotImplemented for Put/Get.
//
// # Concurrency
//
// Put deduplicates by content hash: concurrent Puts of identical bytes
// must agree on a single physical write and a correctly incremented
// refcount. This is enforced with a per-BlobID mutex obtained from a
// striped lock table, plus an atomic refcount stored in the metadata map
// which itself is guarded by a single RWMutex (read-mostly: Get/Exists
// take the read side, Put/Delete take the write side only for the
// metadata map mutation, not for the I/O itself).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/metrics"
)

// Config controls the Blob Store's tier sizing and backend selection.
type Config struct {
	Root            string // warm-tier root directory
	HotMaxEntries   int
	HotMaxEntrySize int64
	RedisAddr       string // optional shared hot tier; empty disables
	ColdBucket      string // S3 bucket name; empty disables the cold tier
	ColdPrefix      string
}

// DefaultConfig returns sensible defaults rooted at a temp directory.
func DefaultConfig() Config {
	return Config{
		Root:            filepath.Join(os.TempDir(), "forge", "blobs"),
		HotMaxEntries:   512,
		HotMaxEntrySize: 4 << 20,
	}
}

// Store is the content-addressed blob store.
type Store struct {
	cfg    Config
	hot    *hotCache
	shared *redisTier // nil unless configured
	cold   ColdBackend

	metaMu sync.RWMutex
	meta   map[domain.BlobID]*domain.BlobMeta

	// keyLocks stripes per-BlobID write locks so concurrent Puts of
	// distinct content never contend, while concurrent Puts of
	// identical content serialize on the single winning writer.
	keyLocks sync.Map // domain.BlobID -> *sync.Mutex

	totalBytes atomic.Int64
}

// New constructs a Store rooted at cfg.Root, creating the directory if
// needed, and reconciles its metadata by scanning any existing blobs.
func New(cfg Config, cold ColdBackend) (*Store, error) {
	if cfg.Root == "" {
		cfg = DefaultConfig()
	}
	if cold == nil {
		cold = NullColdBackend{}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	s := &Store{
		cfg:    cfg,
		hot:    newHotCache(cfg.HotMaxEntries, cfg.HotMaxEntrySize),
		shared: newRedisTier(cfg.RedisAddr, cfg.HotMaxEntrySize),
		cold:   cold,
		meta:   make(map[domain.BlobID]*domain.BlobMeta),
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

func hashOf(data []byte) domain.BlobID {
	sum := sha256.Sum256(data)
	return domain.BlobID(hex.EncodeToString(sum[:]))
}

func (s *Store) pathFor(id domain.BlobID) string {
	return filepath.Join(s.cfg.Root, id.Dir(), id.Rest())
}

func (s *Store) metaPathFor(id domain.BlobID) string {
	return s.pathFor(id) + ".meta.json"
}

func (s *Store) lockFor(id domain.BlobID) *sync.Mutex {
	v, _ := s.keyLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Put hashes data, and if an identical blob already exists bumps its
// refcount without writing bytes again. Otherwise it compresses per
// codecHint (or the size-based policy if codecHint is ""), writes the warm
// tier, and inserts metadata. isExecutable only affects codec selection
// when codecHint is empty.
func (s *Store) Put(data []byte, codecHint domain.CompressionCodec, isExecutable bool) (domain.BlobID, error) {
	id := hashOf(data)
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.metaMu.Lock()
	if m, ok := s.meta[id]; ok {
		m.RefCount++
		s.metaMu.Unlock()
		metrics.Global().RecordBlobPut(int64(len(data)), true)
		return id, nil
	}
	s.metaMu.Unlock()

	codec := codecHint
	if codec == "" {
		codec = domain.ChooseCodec(int64(len(data)), isExecutable)
	}
	compressed, err := compress(codec, data)
	if err != nil {
		return "", fmt.Errorf("blob: compress %s: %w", id, err)
	}

	if err := os.MkdirAll(filepath.Join(s.cfg.Root, id.Dir()), 0o755); err != nil {
		return "", fmt.Errorf("blob: create fan-out dir: %w", err)
	}
	tmp := s.pathFor(id) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return "", fmt.Errorf("blob: write staging file: %w", err)
	}
	if err := os.Rename(tmp, s.pathFor(id)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob: finalize write: %w", err)
	}

	meta := &domain.BlobMeta{
		ID:             id,
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Codec:          codec,
		RefCount:       1,
	}
	if err := s.writeMeta(meta); err != nil {
		os.Remove(s.pathFor(id))
		return "", err
	}

	s.metaMu.Lock()
	if existing, ok := s.meta[id]; ok {
		// Another writer raced us between the unlock above and here;
		// content-addressing makes the duplicate write idempotent, so
		// we discard ours and bump the winner's refcount instead.
		existing.RefCount++
		s.metaMu.Unlock()
		return id, nil
	}
	s.meta[id] = meta
	s.metaMu.Unlock()
	s.totalBytes.Add(meta.CompressedSize)
	s.hot.put(id, data)
	s.shared.put(id, data)
	metrics.Global().RecordBlobPut(meta.CompressedSize, false)
	return id, nil
}

// Close releases the shared-tier connection, if any. The disk tier
// needs no teardown.
func (s *Store) Close() {
	s.shared.close()
}

// Get reads, decompresses, and returns the blob's bytes.
func (s *Store) Get(id domain.BlobID) ([]byte, error) {
	if data, ok := s.hot.get(id); ok {
		metrics.Global().RecordBlobGet(true)
		return data, nil
	}
	if data, ok := s.shared.get(id); ok {
		metrics.Global().RecordBlobGet(true)
		s.hot.put(id, data)
		return data, nil
	}
	metrics.Global().RecordBlobGet(false)

	s.metaMu.RLock()
	meta, ok := s.meta[id]
	s.metaMu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindStorageCorrupt, "blob %s: not found", id)
	}

	raw, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			raw, coldErr := s.cold.Get(context.Background(), id)
			if coldErr == nil {
				data, derr := decompress(meta.Codec, raw)
				if derr != nil {
					return nil, domain.NewError(domain.KindStorageCorrupt, "decompress from cold tier", derr)
				}
				s.hot.put(id, data)
				return data, nil
			}
		}
		return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("blob %s: read warm tier", id), err)
	}

	data, err := decompress(meta.Codec, raw)
	if err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("blob %s: decompress", id), err)
	}
	if hashOf(data) != id {
		return nil, domain.Errorf(domain.KindStorageCorrupt, "blob %s: content hash mismatch", id)
	}
	s.hot.put(id, data)
	s.shared.put(id, data)
	return data, nil
}

// Delete decrements the refcount; physical delete happens iff it
// reaches zero.
func (s *Store) Delete(id domain.BlobID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.metaMu.Lock()
	meta, ok := s.meta[id]
	if !ok {
		s.metaMu.Unlock()
		return nil
	}
	meta.RefCount--
	zero := meta.RefCount <= 0
	if zero {
		delete(s.meta, id)
	}
	s.metaMu.Unlock()

	if !zero {
		return nil
	}

	s.hot.remove(id)
	s.shared.del(id)
	s.totalBytes.Add(-meta.CompressedSize)
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("blob: failed to remove physical blob", "id", id, "error", err)
	}
	os.Remove(s.metaPathFor(id))
	_ = s.cold.Delete(context.Background(), id)
	return nil
}

// Exists reports whether id is currently tracked (refcount > 0).
func (s *Store) Exists(id domain.BlobID) bool {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	_, ok := s.meta[id]
	return ok
}

// Size returns the stored (compressed) size of id, or -1 if unknown.
func (s *Store) Size(id domain.BlobID) int64 {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	m, ok := s.meta[id]
	if !ok {
		return -1
	}
	return m.CompressedSize
}

// TotalSize returns the aggregate on-disk size of every live blob.
func (s *Store) TotalSize() int64 {
	return s.totalBytes.Load()
}

// Meta returns a copy of id's metadata, or false if untracked.
func (s *Store) Meta(id domain.BlobID) (domain.BlobMeta, bool) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	m, ok := s.meta[id]
	if !ok {
		return domain.BlobMeta{}, false
	}
	return *m, true
}

func (s *Store) writeMeta(m *domain.BlobMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("blob: marshal meta: %w", err)
	}
	return os.WriteFile(s.metaPathFor(m.ID), b, 0o644)
}

// reconcile scans the warm-tier directory on startup and rebuilds the
// in-memory metadata map. Blobs missing a sidecar .meta.json are treated as orphans and left for the garbage
// collector rather than guessed at.
func (s *Store) reconcile() error {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return fmt.Errorf("blob: reconcile: read root: %w", err)
	}
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() || len(dirEnt.Name()) != 2 {
			continue
		}
		sub := filepath.Join(s.cfg.Root, dirEnt.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if filepath.Ext(name) == ".json" || filepath.Ext(name) == ".tmp" {
				continue
			}
			id := domain.BlobID(dirEnt.Name() + name)
			metaPath := s.metaPathFor(id)
			raw, err := os.ReadFile(metaPath)
			if err != nil {
				logging.Op().Warn("blob: orphaned blob without metadata sidecar", "id", id)
				continue
			}
			var m domain.BlobMeta
			if err := json.Unmarshal(raw, &m); err != nil {
				logging.Op().Warn("blob: corrupt metadata sidecar", "id", id, "error", err)
				continue
			}
			s.meta[id] = &m
			s.totalBytes.Add(m.CompressedSize)
		}
	}
	return nil
}

// GC removes warm-tier blobs with no tracked metadata (refcount zero on
// disk); orphaned blobs are garbage-collected lazily.
func (s *Store) GC() (removed int, err error) {
	entries, rerr := os.ReadDir(s.cfg.Root)
	if rerr != nil {
		return 0, fmt.Errorf("blob: gc: read root: %w", rerr)
	}
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() || len(dirEnt.Name()) != 2 {
			continue
		}
		sub := filepath.Join(s.cfg.Root, dirEnt.Name())
		files, rerr := os.ReadDir(sub)
		if rerr != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if filepath.Ext(name) == ".json" || filepath.Ext(name) == ".tmp" {
				continue
			}
			id := domain.BlobID(dirEnt.Name() + name)
			if s.Exists(id) {
				continue
			}
			os.Remove(filepath.Join(sub, name))
			os.Remove(s.metaPathFor(id))
			removed++
		}
	}
	return removed, nil
}
