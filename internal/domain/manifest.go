package domain

import "time"

// ManifestKind tags the variant of a Manifest's payload.
type ManifestKind string

const (
	KindProcessCheckpoint ManifestKind = "ProcessCheckpoint"
	KindMicroVMSnapshot   ManifestKind = "MicroVMSnapshot"
	KindContainerLayers   ManifestKind = "ContainerLayers"
)

// ProcessCheckpointPayload describes a process-level checkpoint manifest.
type ProcessCheckpointPayload struct {
	PID       uint32 `json:"pid"`
	ImagesDir string `json:"images_dir"`
}

// MicroVMSnapshotPayload describes a microVM snapshot manifest.
type MicroVMSnapshotPayload struct {
	VMID       string `json:"vm_id"`
	MemoryBlob BlobID `json:"memory_blob"`
	StateBlob  BlobID `json:"state_blob"`
}

// ContainerLayersPayload describes a container-layer manifest.
type ContainerLayersPayload struct {
	ContainerID string `json:"container_id"`
	BaseImage   string `json:"base_image"`
}

// ManifestEntry is one entry in a sealed Manifest's ordered entry list.
type ManifestEntry struct {
	Path string  `json:"path"`
	Blob BlobID  `json:"blob_id"`
	Size int64   `json:"size"`
	Mode *uint32 `json:"mode,omitempty"`
}

// Manifest is a logical, immutable-once-sealed snapshot: an ordered list
// of blob references plus kind-tagged metadata.
type Manifest struct {
	ID        string                    `json:"id"`
	CreatedAt time.Time                 `json:"created_at"`
	Kind      ManifestKind              `json:"kind"`
	Process   *ProcessCheckpointPayload `json:"process,omitempty"`
	MicroVM   *MicroVMSnapshotPayload   `json:"microvm,omitempty"`
	Container *ContainerLayersPayload   `json:"container,omitempty"`
	Entries   []ManifestEntry           `json:"entries"`
	Metadata  map[string]string         `json:"metadata,omitempty"`

	sealed bool
}

// Sealed reports whether the manifest has been persisted and is now
// immutable; every entry's BlobId must be resolvable at seal time.
func (m *Manifest) Sealed() bool { return m.sealed }

// Seal marks the manifest immutable. Callers must have already verified
// every entry's blob is resolvable before calling this.
func (m *Manifest) Seal() { m.sealed = true }

// BlobIDs returns the set of distinct blobs this manifest references,
// used by refcount bookkeeping on delete.
func (m *Manifest) BlobIDs() []BlobID {
	seen := make(map[BlobID]struct{}, len(m.Entries))
	out := make([]BlobID, 0, len(m.Entries))
	for _, e := range m.Entries {
		if _, ok := seen[e.Blob]; ok {
			continue
		}
		seen[e.Blob] = struct{}{}
		out = append(out, e.Blob)
	}
	if m.Kind == KindMicroVMSnapshot && m.MicroVM != nil {
		for _, b := range []BlobID{m.MicroVM.MemoryBlob, m.MicroVM.StateBlob} {
			if _, ok := seen[b]; !ok && b != "" {
				seen[b] = struct{}{}
				out = append(out, b)
			}
		}
	}
	return out
}

// CheckpointRecord is produced by the Checkpoint Engine.
type CheckpointRecord struct {
	ID              string           `json:"id"`
	SourceRuntimeID string           `json:"source_runtime_id"`
	CreatedAt       time.Time        `json:"created_at"`
	TotalBytes      int64            `json:"total_bytes"`
	Compressed      bool             `json:"compressed"`
	Codec           CompressionCodec `json:"codec"`
	ManifestID      string           `json:"manifest_id"`
}
