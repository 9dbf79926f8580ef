package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellarworks/vintrack/internal/engine"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "substrate.yaml")
	data := `
cache:
  max_size: 500
  default_ttl: 30s
  enable_metrics: true
async:
  max_concurrent_jobs: 8
  job_timeout: 5s
monitor:
  monitoring_interval: 1s
  alert_thresholds:
    error_rate: 5
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Cache.MaxSize != 500 {
		t.Errorf("expected max_size 500, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.DefaultTTL != 30*time.Second {
		t.Errorf("expected ttl 30s, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Async.MaxConcurrentJobs != 8 {
		t.Errorf("expected 8 jobs, got %d", cfg.Async.MaxConcurrentJobs)
	}
	if cfg.Monitor.AlertThresholds.ErrorRate != 5 {
		t.Errorf("expected error_rate 5, got %v", cfg.Monitor.AlertThresholds.ErrorRate)
	}

	// Unset sections pick up defaults
	if cfg.Batch.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Batch.BatchSize)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("expected default metrics port, got %d", cfg.MetricsPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/substrate.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCacheConfigValidate(t *testing.T) {
	cfg := &CacheConfig{MaxSize: -1}
	err := cfg.Validate()
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.Field != "cache.max_size" {
		t.Errorf("unexpected field: %s", ve.Field)
	}
}

func TestAsyncConfigValidate(t *testing.T) {
	cfg := &AsyncConfig{MaxConcurrentJobs: 0}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	bad := &AsyncConfig{MaxConcurrentJobs: -2}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative concurrency")
	}
}

func TestBatchConfigDefaults(t *testing.T) {
	cfg := &BatchConfig{}
	cfg.ApplyDefaults()
	if cfg.BatchSize != 100 || cfg.MaxConcurrency != 4 || cfg.FailureThreshold != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestMemoryConfigCodec(t *testing.T) {
	cfg := &MemoryConfig{MemoryLimit: 1024, CompressionCodec: "lz77"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown codec")
	}

	cfg.CompressionCodec = CodecSnappy
	if err := cfg.Validate(); err != nil {
		t.Errorf("snappy should validate: %v", err)
	}
}

func TestMonitorConfigDefaults(t *testing.T) {
	cfg := &MonitorConfig{}
	cfg.ApplyDefaults()
	if cfg.AlertThresholds.ErrorRate != 5 {
		t.Errorf("expected default error rate 5, got %v", cfg.AlertThresholds.ErrorRate)
	}
	if cfg.MonitoringInterval != 10*time.Second {
		t.Errorf("expected default interval, got %v", cfg.MonitoringInterval)
	}
}
