package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/hookd/internal/announce"
	"github.com/basket/hookd/internal/config"
	"github.com/basket/hookd/internal/gateway"
	"github.com/basket/hookd/internal/lifecycle"
	otelPkg "github.com/basket/hookd/internal/otel"
	"github.com/basket/hookd/internal/processor"
	"github.com/basket/hookd/internal/procutil"
	"github.com/basket/hookd/internal/store"
	"github.com/basket/hookd/internal/telemetry"
)

// reloadableAnnouncer lets the daemon swap its provider chain when
// config.yaml changes without restarting the processor.
type reloadableAnnouncer struct {
	current atomic.Pointer[announce.Announcer]
}

func (r *reloadableAnnouncer) Announce(ctx context.Context, req announce.Request) error {
	return r.current.Load().Announce(ctx, req)
}

func runServe(ctx context.Context, args []string, quiet bool) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "port to bind the control plane to (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *port <= 0 {
		fmt.Fprintln(os.Stderr, "serve: -port is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, fmt.Sprintf("server-%d", *port), cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		logger.Error("init otel", "error", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		return 1
	}

	// The start time gates the queue: events from before this boot are not
	// replayed.
	startTime := time.Now()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("store ready", "db_path", cfg.DBPath)

	handler := &reloadableAnnouncer{}
	ann, err := announce.New(cfg.Announce.ProviderList(), soundDir(cfg.HomeDir), logger)
	if err != nil {
		logger.Error("init announce providers", "error", err)
		return 1
	}
	handler.current.Store(ann)

	// Hot-reload announce settings on config changes.
	watcher := config.NewWatcher(cfg.Path(), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				next, err := announce.New(fresh.Announce.ProviderList(), soundDir(fresh.HomeDir), logger)
				if err != nil {
					logger.Warn("announce reload failed", "error", err)
					continue
				}
				handler.current.Store(next)
				logger.Info("announce providers reloaded", "providers", fresh.Announce.Providers)
			}
		}()
	}

	// shutdownSelf is the POST /shutdown and dead-owner path: SIGTERM to our
	// own pid, caught by the signal context for a normal teardown.
	shutdownSelf := func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}

	proc := processor.New(st, handler, logger, metrics, processor.Config{
		Port:         *port,
		StartTime:    startTime,
		MaxRetries:   cfg.MaxRetryCount,
		PollInterval: cfg.PollInterval(),
		RetryDelay:   cfg.RetryDelay(),
		ErrorBackoff: cfg.ErrorBackoff(),
		Tracer:       otelProvider.Tracer,
	})

	monitor, err := lifecycle.NewMonitor(st, logger, lifecycle.MonitorConfig{
		Port:          *port,
		Interval:      cfg.MonitorInterval(),
		SweepSchedule: cfg.OrphanSweepSchedule,
	}, procutil.IsProcessRunning, shutdownSelf)
	if err != nil {
		logger.Error("init liveness monitor", "error", err)
		return 1
	}

	gw, err := gateway.New(gateway.Config{
		Store:     st,
		Logger:    logger,
		Host:      cfg.Host,
		Port:      *port,
		StartTime: startTime,
		Shutdown:  shutdownSelf,
		Alive:     procutil.IsProcessRunning,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
	})
	if err != nil {
		logger.Error("init gateway", "error", err)
		return 1
	}

	logger.Info("hookd starting", "version", Version, "port", *port, "pid", os.Getpid())

	// One failing task tears down the rest; cancellation itself is a normal
	// exit for all three.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	for name, run := range map[string]func(context.Context) error{
		"processor": proc.Run,
		"monitor":   monitor.Run,
		"gateway":   gw.Serve,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(taskCtx); err != nil {
				logger.Error("task failed", "task", name, "error", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for range errCh {
		return 1
	}
	logger.Info("hookd stopped", "port", *port)
	return 0
}

func soundDir(homeDir string) string {
	return filepath.Join(homeDir, "sounds")
}
