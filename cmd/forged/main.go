// Command forged is the execution-platform daemon: it wires the blob
// store, manifest registry, sandbox engines, warm pool, checkpoint
// engine, fork manager, and memory pool together behind the Platform
// Executor, and exposes a small operator surface (serve, run, prewarm,
// gc, reconcile, checkpoint).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgekit/forge/internal/blob"
	"github.com/forgekit/forge/internal/checkpoint"
	"github.com/forgekit/forge/internal/config"
	"github.com/forgekit/forge/internal/container"
	"github.com/forgekit/forge/internal/db"
	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/executor"
	"github.com/forgekit/forge/internal/logging"
	"github.com/forgekit/forge/internal/manifest"
	"github.com/forgekit/forge/internal/memorypool"
	"github.com/forgekit/forge/internal/metrics"
	"github.com/forgekit/forge/internal/microvm"
	"github.com/forgekit/forge/internal/observability"
	"github.com/forgekit/forge/internal/pool"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "forged",
		Short: "Sandbox execution platform daemon",
		Long:  "Runs arbitrary command lines inside isolated sandboxes (containers or microVMs) across five execution modes",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional)")

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		prewarmCmd(),
		gcCmd(),
		reconcileCmd(),
		checkpointCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// platform holds every wired component for the daemon's lifetime.
type platform struct {
	cfg       *config.Config
	blobs     *blob.Store
	manifests *manifest.Registry
	exec      *executor.Executor
	pool      *pool.Pool
	memory    *memorypool.Pool
	stopTune  context.CancelFunc
}

func wire(ctx context.Context, needContainers, needMicroVMs bool) (*platform, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		logging.Op().Warn("tracing init failed, continuing without", "error", err)
	}

	var cold blob.ColdBackend
	if cfg.Blob.ColdBucket != "" {
		s3, err := blob.NewS3Backend(ctx, cfg.Blob.ColdBucket, cfg.Blob.ColdPrefix)
		if err != nil {
			logging.Op().Warn("cold tier unavailable", "error", err)
		} else {
			cold = s3
		}
	}
	blobs, err := blob.New(cfg.BuildBlob(), cold)
	if err != nil {
		return nil, err
	}

	var index manifest.SecondaryIndex
	if cfg.Daemon.PostgresDSN != "" {
		database, err := db.NewPostgresPool(ctx, cfg.Daemon.PostgresDSN)
		if err != nil {
			logging.Op().Warn("manifest secondary index unavailable", "error", err)
		} else {
			pgIndex, err := manifest.NewPostgresIndex(ctx, database)
			if err != nil {
				logging.Op().Warn("manifest secondary index init failed", "error", err)
			} else {
				index = pgIndex
			}
		}
	}
	manifests, err := manifest.New(cfg.BuildManifest(), blobs, index)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.New(cfg.BuildCheckpoint(), blobs, manifests)
	if err != nil {
		return nil, err
	}

	var containers *container.Manager
	if needContainers {
		containers, err = container.NewManager(cfg.BuildContainer())
		if err != nil {
			return nil, fmt.Errorf("container engine: %w", err)
		}
	}
	var microvms *microvm.Manager
	if needMicroVMs {
		microvms, err = microvm.NewManager(cfg.BuildMicroVM())
		if err != nil {
			logging.Op().Warn("microvm engine unavailable, vm modes disabled", "error", err)
		}
	}

	var containerBackend pool.ContainerBackend
	var microvmBackend pool.MicroVMBackend
	if containers != nil {
		containerBackend = containers
	}
	if microvms != nil {
		microvmBackend = microvms
	}
	p := pool.NewPool(containerBackend, microvmBackend, cfg.BuildPool())

	var archiver executor.VMArchiver
	var vmEngine executor.MicroVMEngine
	if microvms != nil {
		archiver = microvm.NewArchiver(microvms, blobs, manifests)
		vmEngine = microvms
	}
	var containerEngine executor.ContainerEngine
	if containers != nil {
		containerEngine = containers
	}

	exec := executor.New(executor.Config{
		DefaultDeadline: cfg.Executor.DefaultDeadline,
		MaxAcquireWait:  cfg.Executor.MaxAcquireWait,
		VMMemoryMB:      cfg.MicroVM.DefaultMemMB,
		VMVCPUs:         cfg.MicroVM.DefaultVCPUs,
	}, p, containerEngine, vmEngine, checkpoints, archiver)

	memory := memorypool.New(cfg.MemoryPool.ZramSizeGB)
	tuneCtx, stopTune := context.WithCancel(context.Background())
	go func() {
		interval := cfg.MemoryPool.TuneInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tuneCtx.Done():
				return
			case <-ticker.C:
				memory.AutoTuneKSM()
			}
		}
	}()

	return &platform{
		cfg:       cfg,
		blobs:     blobs,
		manifests: manifests,
		exec:      exec,
		pool:      p,
		memory:    memory,
		stopTune:  stopTune,
	}, nil
}

func (p *platform) shutdown() {
	p.stopTune()
	p.pool.Shutdown()
	p.blobs.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = observability.Shutdown(ctx)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := wire(ctx, true, true)
			if err != nil {
				return err
			}
			defer p.shutdown()

			p.exec.Reconcile(ctx)

			if addr := p.cfg.Daemon.HTTPAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/metrics.json", metrics.Global().JSONHandler())
				mux.Handle("/timeseries", metrics.Global().TimeSeriesHandler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				mux.HandleFunc("/pool", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(p.pool.Stats())
				})
				server := &http.Server{Addr: addr, Handler: mux}
				go func() {
					logging.Op().Info("status listener up", "addr", addr)
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("status listener failed", "error", err)
					}
				}()
				defer server.Close()
			}

			logging.Op().Info("forged up")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logging.Op().Info("forged shutting down")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var (
		mode         string
		env          string
		payload      string
		deadline     time.Duration
		checkpointID string
		persistentID string
		branchCount  int
		strategy     string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- argv...",
		Short: "Execute one request and print its response",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := wire(ctx, true, true)
			if err != nil {
				return err
			}
			defer p.shutdown()

			req := &domain.Request{
				ID:           fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				Env:          domain.EnvironmentID(env),
				Argv:         args,
				Payload:      []byte(payload),
				Mode:         domain.Mode(mode),
				Deadline:     time.Now().Add(deadline),
				CheckpointID: checkpointID,
				PersistentID: persistentID,
				BranchCount:  branchCount,
				Strategy:     strategy,
			}
			resp := p.exec.Run(ctx, req)

			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(out))
			if resp.Err != nil {
				return fmt.Errorf("%s", resp.Err.Error())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeEphemeral), "execution mode: ephemeral|cached|checkpointed|branched|persistent")
	cmd.Flags().StringVar(&env, "env", "alpine:latest", "environment: container image or rootfs reference")
	cmd.Flags().StringVar(&payload, "payload", "", "bytes delivered on the guest's standard input")
	cmd.Flags().DurationVar(&deadline, "deadline", 30*time.Second, "request deadline")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint id to resume from")
	cmd.Flags().StringVar(&persistentID, "persistent-id", "", "persistent sandbox to reattach to")
	cmd.Flags().IntVar(&branchCount, "branches", 2, "children for branched mode")
	cmd.Flags().StringVar(&strategy, "strategy", "fastest", "branched winner strategy: fastest|all|quorum")
	return cmd
}

func prewarmCmd() *cobra.Command {
	var (
		env   string
		kind  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "prewarm",
		Short: "Prime the warm pool for an environment without running user code",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := wire(ctx, true, true)
			if err != nil {
				return err
			}
			defer p.shutdown()
			p.exec.PreWarm(ctx, domain.EnvironmentID(env), domain.SandboxKind(kind), count)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "alpine:latest", "environment to warm")
	cmd.Flags().StringVar(&kind, "kind", string(domain.SandboxContainer), "sandbox kind: container|microvm")
	cmd.Flags().IntVar(&count, "count", 1, "instances to warm")
	return cmd
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Garbage-collect orphaned blobs (refcount zero on disk)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := wire(cmd.Context(), false, false)
			if err != nil {
				return err
			}
			defer p.shutdown()
			removed, err := p.blobs.GC()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d orphaned blobs, %d bytes live\n", removed, p.blobs.TotalSize())
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reclaim sandboxes leaked by an abnormal exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := wire(ctx, true, true)
			if err != nil {
				return err
			}
			defer p.shutdown()
			p.exec.Reconcile(ctx)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	var del string
	cmd := &cobra.Command{
		Use:   "checkpoint [runtime-id]",
		Short: "Process-level checkpoint of a container sandbox (Linux only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := wire(cmd.Context(), true, false)
			if err != nil {
				return err
			}
			defer p.shutdown()

			if del != "" {
				if err := p.exec.DeleteCheckpoint(del); err != nil {
					return err
				}
				fmt.Printf("deleted checkpoint %s\n", del)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("exactly one runtime id required")
			}
			rec, err := p.exec.CheckpointContainer(args[0])
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&del, "delete", "", "delete the given checkpoint instead of creating one")
	return cmd
}
