// Package config assembles the daemon's configuration from defaults, an
// optional YAML file, and FORGE_* environment variable overrides, in
// that precedence order. The structs here carry yaml tags and know how
// to build each component's own Config type; the component packages
// stay format-agnostic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgekit/forge/internal/blob"
	"github.com/forgekit/forge/internal/checkpoint"
	"github.com/forgekit/forge/internal/container"
	"github.com/forgekit/forge/internal/manifest"
	"github.com/forgekit/forge/internal/microvm"
	"github.com/forgekit/forge/internal/pool"
)

// BlobConfig tunes the Blob Store's tiers.
type BlobConfig struct {
	Root            string `yaml:"root"`
	HotMaxEntries   int    `yaml:"hot_max_entries"`
	HotMaxEntrySize int64  `yaml:"hot_max_entry_size"`
	RedisAddr       string `yaml:"redis_addr"`
	ColdBucket      string `yaml:"cold_bucket"`
	ColdPrefix      string `yaml:"cold_prefix"`
}

// ManifestConfig locates the Manifest Registry's file store.
type ManifestConfig struct {
	Root string `yaml:"root"`
}

// PoolConfig bounds the warm pool.
type PoolConfig struct {
	IdleTTL            time.Duration `yaml:"idle_ttl"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	MaxPerEnvironment  int           `yaml:"max_per_environment"`
	MaxGlobalSandboxes int           `yaml:"max_global_sandboxes"`
}

// ContainerConfig tunes the Container Engine.
type ContainerConfig struct {
	ScratchDir     string        `yaml:"scratch_dir"`
	ImagePrefix    string        `yaml:"image_prefix"`
	Network        string        `yaml:"network"`
	PortRangeMin   int           `yaml:"port_range_min"`
	PortRangeMax   int           `yaml:"port_range_max"`
	CPULimit       float64       `yaml:"cpu_limit"`
	MemoryMB       int           `yaml:"memory_mb"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	AgentTimeout   time.Duration `yaml:"agent_timeout"`
}

// MicroVMConfig tunes the MicroVM Engine.
type MicroVMConfig struct {
	FirecrackerBin string        `yaml:"firecracker_bin"`
	KernelPath     string        `yaml:"kernel_path"`
	RootfsDir      string        `yaml:"rootfs_dir"`
	SnapshotDir    string        `yaml:"snapshot_dir"`
	SocketDir      string        `yaml:"socket_dir"`
	VsockDir       string        `yaml:"vsock_dir"`
	LogDir         string        `yaml:"log_dir"`
	BridgeName     string        `yaml:"bridge_name"`
	Subnet         string        `yaml:"subnet"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
	DefaultMemMB   int           `yaml:"default_mem_mb"`
	DefaultVCPUs   int           `yaml:"default_vcpus"`
	SSHPort        int           `yaml:"ssh_port"`
	SSHUser        string        `yaml:"ssh_user"`
	SSHKeyPath     string        `yaml:"ssh_key_path"`
}

// CheckpointConfig locates the Checkpoint Engine's scratch space.
type CheckpointConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	RecordsDir string `yaml:"records_dir"`
}

// MemoryPoolConfig tunes the host memory knobs.
type MemoryPoolConfig struct {
	ZramSizeGB   int           `yaml:"zram_size_gb"`
	TuneInterval time.Duration `yaml:"tune_interval"`
}

// ExecutorConfig bounds the Platform Executor.
type ExecutorConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	MaxAcquireWait  time.Duration `yaml:"max_acquire_wait"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"`
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig groups all observability settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig holds daemon surface settings.
type DaemonConfig struct {
	HTTPAddr    string `yaml:"http_addr"`    // metrics/health listener; empty disables
	PostgresDSN string `yaml:"postgres_dsn"` // optional manifest secondary index
}

// Config is the central configuration struct for the daemon.
type Config struct {
	Blob          BlobConfig          `yaml:"blob"`
	Manifest      ManifestConfig      `yaml:"manifest"`
	Pool          PoolConfig          `yaml:"pool"`
	Container     ContainerConfig     `yaml:"container"`
	MicroVM       MicroVMConfig       `yaml:"microvm"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	MemoryPool    MemoryPoolConfig    `yaml:"memory_pool"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Observability ObservabilityConfig `yaml:"observability"`
	Daemon        DaemonConfig        `yaml:"daemon"`
}

// DefaultConfig returns a Config mirroring each component's own defaults.
func DefaultConfig() *Config {
	blobDefaults := blob.DefaultConfig()
	manifestDefaults := manifest.DefaultConfig()
	containerDefaults := container.DefaultConfig()
	microvmDefaults := microvm.DefaultConfig()
	checkpointDefaults := checkpoint.DefaultConfig()

	return &Config{
		Blob: BlobConfig{
			Root:            blobDefaults.Root,
			HotMaxEntries:   blobDefaults.HotMaxEntries,
			HotMaxEntrySize: blobDefaults.HotMaxEntrySize,
		},
		Manifest: ManifestConfig{Root: manifestDefaults.Root},
		Pool: PoolConfig{
			IdleTTL:            pool.DefaultIdleTTL,
			CleanupInterval:    pool.DefaultCleanupInterval,
			MaxPerEnvironment:  8,
			MaxGlobalSandboxes: 64,
		},
		Container: ContainerConfig{
			ScratchDir:     containerDefaults.CodeDir,
			ImagePrefix:    containerDefaults.ImagePrefix,
			Network:        containerDefaults.Network,
			PortRangeMin:   containerDefaults.PortRangeMin,
			PortRangeMax:   containerDefaults.PortRangeMax,
			CPULimit:       containerDefaults.CPULimit,
			MemoryMB:       containerDefaults.MemoryMB,
			DefaultTimeout: containerDefaults.DefaultTimeout,
			AgentTimeout:   containerDefaults.AgentTimeout,
		},
		MicroVM: MicroVMConfig{
			FirecrackerBin: microvmDefaults.FirecrackerBin,
			KernelPath:     microvmDefaults.KernelPath,
			RootfsDir:      microvmDefaults.RootfsDir,
			SnapshotDir:    microvmDefaults.SnapshotDir,
			SocketDir:      microvmDefaults.SocketDir,
			VsockDir:       microvmDefaults.VsockDir,
			LogDir:         microvmDefaults.LogDir,
			BridgeName:     microvmDefaults.BridgeName,
			Subnet:         microvmDefaults.Subnet,
			BootTimeout:    microvmDefaults.BootTimeout,
			DefaultMemMB:   256,
			DefaultVCPUs:   1,
			SSHPort:        microvmDefaults.SSHPort,
			SSHUser:        microvmDefaults.SSHUser,
			SSHKeyPath:     microvmDefaults.SSHKeyPath,
		},
		Checkpoint: CheckpointConfig{
			ScratchDir: checkpointDefaults.ScratchDir,
			RecordsDir: checkpointDefaults.RecordsDir,
		},
		MemoryPool: MemoryPoolConfig{
			ZramSizeGB:   4,
			TuneInterval: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			DefaultDeadline: 30 * time.Second,
			MaxAcquireWait:  10 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "forged",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "forge",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies FORGE_* environment variable overrides on top of cfg.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr("FORGE_BLOB_ROOT", &cfg.Blob.Root)
	setStr("FORGE_BLOB_REDIS_ADDR", &cfg.Blob.RedisAddr)
	setStr("FORGE_BLOB_COLD_BUCKET", &cfg.Blob.ColdBucket)
	setStr("FORGE_MANIFEST_ROOT", &cfg.Manifest.Root)
	setDur("FORGE_POOL_IDLE_TTL", &cfg.Pool.IdleTTL)
	setInt("FORGE_POOL_MAX_PER_ENV", &cfg.Pool.MaxPerEnvironment)
	setInt("FORGE_POOL_MAX_GLOBAL", &cfg.Pool.MaxGlobalSandboxes)
	setStr("FORGE_CONTAINER_SCRATCH_DIR", &cfg.Container.ScratchDir)
	setStr("FORGE_CONTAINER_IMAGE_PREFIX", &cfg.Container.ImagePrefix)
	setStr("FORGE_CONTAINER_NETWORK", &cfg.Container.Network)
	setStr("FORGE_FIRECRACKER_BIN", &cfg.MicroVM.FirecrackerBin)
	setStr("FORGE_KERNEL_PATH", &cfg.MicroVM.KernelPath)
	setStr("FORGE_ROOTFS_DIR", &cfg.MicroVM.RootfsDir)
	setStr("FORGE_SNAPSHOT_DIR", &cfg.MicroVM.SnapshotDir)
	setStr("FORGE_CHECKPOINT_SCRATCH_DIR", &cfg.Checkpoint.ScratchDir)
	setInt("FORGE_ZRAM_SIZE_GB", &cfg.MemoryPool.ZramSizeGB)
	setDur("FORGE_DEFAULT_DEADLINE", &cfg.Executor.DefaultDeadline)
	setStr("FORGE_LOG_LEVEL", &cfg.Observability.Logging.Level)
	setStr("FORGE_LOG_FORMAT", &cfg.Observability.Logging.Format)
	setStr("FORGE_OTLP_ENDPOINT", &cfg.Observability.Tracing.Endpoint)
	setStr("FORGE_HTTP_ADDR", &cfg.Daemon.HTTPAddr)
	setStr("FORGE_PG_DSN", &cfg.Daemon.PostgresDSN)
}

// BuildBlob converts to the Blob Store's own Config.
func (c *Config) BuildBlob() blob.Config {
	return blob.Config{
		Root:            c.Blob.Root,
		HotMaxEntries:   c.Blob.HotMaxEntries,
		HotMaxEntrySize: c.Blob.HotMaxEntrySize,
		RedisAddr:       c.Blob.RedisAddr,
		ColdBucket:      c.Blob.ColdBucket,
		ColdPrefix:      c.Blob.ColdPrefix,
	}
}

// BuildManifest converts to the Manifest Registry's own Config.
func (c *Config) BuildManifest() manifest.Config {
	return manifest.Config{Root: c.Manifest.Root}
}

// BuildPool converts to the warm pool's own Config.
func (c *Config) BuildPool() pool.Config {
	return pool.Config{
		IdleTTL:            c.Pool.IdleTTL,
		CleanupInterval:    c.Pool.CleanupInterval,
		MaxPerEnvironment:  c.Pool.MaxPerEnvironment,
		MaxGlobalSandboxes: c.Pool.MaxGlobalSandboxes,
	}
}

// BuildContainer converts to the Container Engine's own Config.
func (c *Config) BuildContainer() *container.Config {
	return &container.Config{
		CodeDir:        c.Container.ScratchDir,
		ImagePrefix:    c.Container.ImagePrefix,
		Network:        c.Container.Network,
		PortRangeMin:   c.Container.PortRangeMin,
		PortRangeMax:   c.Container.PortRangeMax,
		CPULimit:       c.Container.CPULimit,
		MemoryMB:       c.Container.MemoryMB,
		DefaultTimeout: c.Container.DefaultTimeout,
		AgentTimeout:   c.Container.AgentTimeout,
	}
}

// BuildMicroVM converts to the MicroVM Engine's own Config, keeping the
// engine's defaults for knobs this package does not expose.
func (c *Config) BuildMicroVM() *microvm.Config {
	mc := microvm.DefaultConfig()
	mc.FirecrackerBin = c.MicroVM.FirecrackerBin
	mc.KernelPath = c.MicroVM.KernelPath
	mc.RootfsDir = c.MicroVM.RootfsDir
	mc.SnapshotDir = c.MicroVM.SnapshotDir
	mc.SocketDir = c.MicroVM.SocketDir
	mc.VsockDir = c.MicroVM.VsockDir
	mc.LogDir = c.MicroVM.LogDir
	mc.BridgeName = c.MicroVM.BridgeName
	mc.Subnet = c.MicroVM.Subnet
	mc.BootTimeout = c.MicroVM.BootTimeout
	mc.SSHPort = c.MicroVM.SSHPort
	mc.SSHUser = c.MicroVM.SSHUser
	mc.SSHKeyPath = c.MicroVM.SSHKeyPath
	return mc
}

// BuildCheckpoint converts to the Checkpoint Engine's own Config.
func (c *Config) BuildCheckpoint() checkpoint.Config {
	return checkpoint.Config{
		ScratchDir: c.Checkpoint.ScratchDir,
		RecordsDir: c.Checkpoint.RecordsDir,
	}
}
