// cmd/vinoperf/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/async"
	"github.com/cellarworks/vintrack/internal/batch"
	"github.com/cellarworks/vintrack/internal/cache"
	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/events"
	"github.com/cellarworks/vintrack/internal/memopt"
	"github.com/cellarworks/vintrack/internal/monitor"
	"github.com/cellarworks/vintrack/internal/parallel"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vinoperf: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	bus := events.NewBus(logger)

	cacheMgr, err := cache.NewManager(&cfg.Cache, logger, bus)
	if err != nil {
		logger.Fatal("cache init failed", zap.Error(err))
	}
	asyncEng, err := async.NewEngine(&cfg.Async, logger, bus)
	if err != nil {
		logger.Fatal("async engine init failed", zap.Error(err))
	}
	batchEng, err := batch.NewEngine(&cfg.Batch, logger, bus)
	if err != nil {
		logger.Fatal("batch engine init failed", zap.Error(err))
	}
	parallelEng, err := parallel.NewEngine(&cfg.Parallel, logger, bus)
	if err != nil {
		logger.Fatal("parallel engine init failed", zap.Error(err))
	}
	monitorEng, err := monitor.NewEngine(&cfg.Monitor, logger, bus)
	if err != nil {
		logger.Fatal("monitor init failed", zap.Error(err))
	}
	allocator, err := memopt.NewAllocator(&cfg.Memory, logger, bus)
	if err != nil {
		logger.Fatal("allocator init failed", zap.Error(err))
	}

	// Bridge job/batch/task lifecycle events into the monitor so the
	// rollups see every engine's activity.
	stopBridge := startMonitorBridge(bus, monitorEng)
	stopSampler := startResourceSampler(cfg, monitorEng, allocator)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("vinoperf started",
		zap.Int("async_workers", cfg.Async.MaxConcurrentJobs),
		zap.Int("batch_concurrency", cfg.Batch.MaxConcurrency),
		zap.Int("parallel_workers", cfg.Parallel.MaxWorkers),
		zap.Int("cache_max_size", cfg.Cache.MaxSize))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopSampler()
	stopBridge()
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Error("metrics shutdown error", zap.Error(err))
	}
	if err := asyncEng.Shutdown(ctx); err != nil {
		logger.Error("async shutdown error", zap.Error(err))
	}
	if err := batchEng.Shutdown(ctx); err != nil {
		logger.Error("batch shutdown error", zap.Error(err))
	}
	if err := parallelEng.Shutdown(ctx); err != nil {
		logger.Error("parallel shutdown error", zap.Error(err))
	}
	if err := monitorEng.Shutdown(ctx); err != nil {
		logger.Error("monitor shutdown error", zap.Error(err))
	}
	if err := cacheMgr.Shutdown(ctx); err != nil {
		logger.Error("cache shutdown error", zap.Error(err))
	}
	bus.Close()
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vinoperf: logger init: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// startMonitorBridge feeds engine lifecycle events into the monitor's
// counters. Returns a stop function.
func startMonitorBridge(bus *events.Bus, m *monitor.Engine) func() {
	sub := bus.Subscribe("*")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			switch ev.Type {
			case events.TypeJobQueued, events.TypeBatchStarted:
				m.RecordRequest()
			case events.TypeJobSucceeded, events.TypeBatchCompleted, events.TypeTaskCompleted:
				m.RecordResponse(0)
			case events.TypeJobFailed, events.TypeBatchFailed, events.TypeTaskFailed:
				m.RecordError()
			case events.TypeCacheEviction:
				m.RecordCacheOperation(false)
			}
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// startResourceSampler reports process memory pressure to the monitor
// each interval, scaled against the configured memory limit.
func startResourceSampler(cfg *config.Config, m *monitor.Engine, alloc *memopt.Allocator) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(cfg.Monitor.MonitoringInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				used := int64(ms.HeapAlloc) + alloc.Used()
				memoryPct := float64(used) / float64(cfg.Memory.MemoryLimit) * 100
				m.RecordResourceUsage(0, memoryPct)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
