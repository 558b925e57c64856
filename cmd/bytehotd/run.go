package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bytehot/engine/internal/config"
	"github.com/bytehot/engine/internal/errorsnap"
	"github.com/bytehot/engine/internal/flow"
	"github.com/bytehot/engine/internal/hotswap"
	"github.com/bytehot/engine/internal/introspect"
	"github.com/bytehot/engine/internal/lock"
	"github.com/bytehot/engine/internal/logger"
	"github.com/bytehot/engine/internal/pipeline"
	"github.com/bytehot/engine/internal/reconcile"
	"github.com/bytehot/engine/internal/snapshot"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/store/memory"
	"github.com/bytehot/engine/internal/store/postgres"
	"github.com/bytehot/engine/internal/store/sqlite"
	"github.com/bytehot/engine/internal/validator"
	"github.com/bytehot/engine/internal/vm"
	"github.com/bytehot/engine/internal/watch"
	"github.com/bytehot/engine/internal/worker"
)

// flowScanInterval is how often the long-lived host re-scans the event
// stream for the built-in flow patterns (spec §4.8 has no fixed cadence; a
// periodic scan is the simplest reactive substitute for a live subscription
// the event store doesn't offer).
const flowScanInterval = 5 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the hot-swap engine (watch, validate, redefine)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), configPath)
		},
	}
}

func runHost(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	log.Info("starting bytehotd", "store_backend", cfg.Store.Backend, "durable", cfg.IsDurable())

	es, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build event store: %w", err)
	}
	defer closeStore()

	capability := vm.NewFakeCapability()

	locks, closeLocks := buildLockManager(cfg, log)
	defer closeLocks()

	workers, err := worker.New(worker.Config{Size: cfg.Workers.PoolSize}, log)
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}

	v := validator.New(capability)
	snapshots := snapshot.New(es, capability, log)
	reconciler, err := reconcile.New(capability, es, nil, 0, log)
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}

	coordinator, err := hotswap.New(es, capability, v, snapshots, reconciler, locks, hotswap.Config{
		RedefinitionTimeout:   time.Duration(cfg.Swap.RedefinitionTimeoutMS) * time.Millisecond,
		ReconciliationTimeout: time.Duration(cfg.Swap.ReconciliationTimeoutMS) * time.Millisecond,
		RateLimit:             ratePerSecond(cfg.Swap.MaxAttemptsPerSecond),
		RateBurst:             cfg.Swap.MaxAttemptsPerSecond,
	}, log)
	if err != nil {
		return fmt.Errorf("build hot-swap coordinator: %w", err)
	}

	capturer := errorsnap.New(es, cfg.Snapshot.MaxCapturedEvents, nil)
	pipe := pipeline.New(es, v, coordinator, capturer, workers, log)

	session, err := watch.New(watch.Config{
		Root:         cfg.Watch.Root,
		IncludeGlobs: cfg.Watch.IncludeGlobs,
		ExcludeGlobs: cfg.Watch.ExcludeGlobs,
		DebounceMS:   cfg.Watch.DebounceMS,
	}, es, log, nil)
	if err != nil {
		return fmt.Errorf("build file-watch session: %w", err)
	}
	session.OnEvent = pipe.HandleFileEvent

	var hub *introspect.FlowHub
	var introspectSrv *introspect.Server
	if cfg.Introspect.Enabled {
		hub = introspect.NewFlowHub(log)
		introspectSrv = introspect.New(introspect.Config{Addr: cfg.Introspect.Addr}, es, hub, log)
	}

	detector := flow.New(es, nil, cfg.Flow.MinConfidenceDefault, log)
	if hub != nil {
		detector.Publish = hub.Publish
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return session.Run(groupCtx) })
	group.Go(func() error { runFlowScanLoop(groupCtx, detector, log); return nil })
	if hub != nil {
		group.Go(func() error { hub.Start(groupCtx); return nil })
	}
	if introspectSrv != nil {
		group.Go(func() error { return introspectSrv.Start(groupCtx) })
	}

	<-ctx.Done()
	log.Info("shutting down bytehotd")
	return group.Wait()
}

// runFlowScanLoop periodically re-scans the trailing window for flow
// matches until ctx is cancelled.
func runFlowScanLoop(ctx context.Context, detector *flow.Detector, log *slog.Logger) {
	ticker := time.NewTicker(flowScanInterval)
	defer ticker.Stop()

	lastScan := time.Now().Add(-flowScanInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := detector.Scan(ctx, lastScan, now); err != nil {
				log.Warn("flow scan failed", "error", err)
			}
			lastScan = now
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.EventStore, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		s, err := sqlite.New(ctx, cfg.Store.Path, log)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreBackendPostgres:
		s, err := postgres.New(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memory.New(log), noop, nil
	}
}

func buildLockManager(cfg *config.Config, log *slog.Logger) (*lock.Manager, func()) {
	if !cfg.Lock.Enabled {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
	manager := lock.NewManager(client, &lock.Config{
		TTL:            cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
	}, log)
	return manager, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}
}

func ratePerSecond(n int) rate.Limit {
	if n <= 0 {
		n = hotswap.DefaultConfig().RateBurst
	}
	return rate.Limit(n)
}
