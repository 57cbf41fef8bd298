package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgekit/forge/internal/blob"
	"github.com/forgekit/forge/internal/checkpoint"
)

func TestDefaultConfigMatchesComponentDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if want := blob.DefaultConfig().Root; cfg.Blob.Root != want {
		t.Errorf("blob root = %q, want the blob store default %q", cfg.Blob.Root, want)
	}
	if want := checkpoint.DefaultConfig().ScratchDir; cfg.Checkpoint.ScratchDir != want {
		t.Errorf("checkpoint scratch dir = %q, want the checkpoint engine default %q", cfg.Checkpoint.ScratchDir, want)
	}
	if cfg.Pool.MaxGlobalSandboxes <= 0 {
		t.Error("default global sandbox ceiling must be bounded")
	}
	if cfg.Executor.DefaultDeadline <= 0 {
		t.Error("default deadline must be positive")
	}
	if cfg.Observability.Metrics.Namespace == "" {
		t.Error("metrics namespace must default")
	}
}

func TestLoadAppliesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.yaml")
	content := []byte(`
blob:
  root: /var/lib/forge/blobs
pool:
  idle_ttl: 90s
  max_global_sandboxes: 12
executor:
  default_deadline: 45s
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Blob.Root != "/var/lib/forge/blobs" {
		t.Errorf("blob root = %q", cfg.Blob.Root)
	}
	if cfg.Pool.IdleTTL != 90*time.Second {
		t.Errorf("idle ttl = %s", cfg.Pool.IdleTTL)
	}
	if cfg.Pool.MaxGlobalSandboxes != 12 {
		t.Errorf("max global = %d", cfg.Pool.MaxGlobalSandboxes)
	}
	if cfg.Executor.DefaultDeadline != 45*time.Second {
		t.Errorf("deadline = %s", cfg.Executor.DefaultDeadline)
	}
	// Untouched keys keep their defaults.
	if cfg.Container.ImagePrefix == "" {
		t.Error("container image prefix lost its default")
	}
}

func TestLoadAppliesEnvOverYAML(t *testing.T) {
	t.Setenv("FORGE_BLOB_ROOT", "/env/blobs")
	t.Setenv("FORGE_POOL_MAX_GLOBAL", "3")
	t.Setenv("FORGE_DEFAULT_DEADLINE", "7s")

	path := filepath.Join(t.TempDir(), "forged.yaml")
	content := []byte(`
blob:
  root: /yaml/blobs
pool:
  max_global_sandboxes: 12
executor:
  default_deadline: 45s
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Blob.Root != "/env/blobs" {
		t.Errorf("blob root = %q", cfg.Blob.Root)
	}
	if cfg.Pool.MaxGlobalSandboxes != 3 {
		t.Errorf("max global = %d", cfg.Pool.MaxGlobalSandboxes)
	}
	if cfg.Executor.DefaultDeadline != 7*time.Second {
		t.Errorf("deadline = %s", cfg.Executor.DefaultDeadline)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("pool: [not a map"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildersRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blob.Root = "/x/blobs"
	cfg.MicroVM.KernelPath = "/x/vmlinux"

	if got := cfg.BuildBlob().Root; got != "/x/blobs" {
		t.Errorf("BuildBlob root = %q", got)
	}
	if got := cfg.BuildMicroVM().KernelPath; got != "/x/vmlinux" {
		t.Errorf("BuildMicroVM kernel = %q", got)
	}
	if got := cfg.BuildContainer().CodeDir; got == "" {
		t.Error("BuildContainer lost scratch dir")
	}
	if got := cfg.BuildCheckpoint().ScratchDir; got == "" {
		t.Error("BuildCheckpoint lost scratch dir")
	}
}
