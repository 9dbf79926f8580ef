// Package config defines the construction-time configuration for every
// substrate engine. Each engine config follows the same shape: a
// DefaultXxxConfig constructor, Validate for synchronous rejection of
// bad values, and ApplyDefaults to fill gaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cellarworks/vintrack/internal/engine"
)

// Config is the top-level substrate configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Async    AsyncConfig    `yaml:"async"`
	Batch    BatchConfig    `yaml:"batch"`
	Parallel ParallelConfig `yaml:"parallel"`
	Memory   MemoryConfig   `yaml:"memory"`
	Monitor  MonitorConfig  `yaml:"monitor"`

	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every engine section.
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Async.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	return c.Monitor.Validate()
}

// ApplyDefaults fills in default values for every section.
func (c *Config) ApplyDefaults() {
	c.Cache.ApplyDefaults()
	c.Async.ApplyDefaults()
	c.Batch.ApplyDefaults()
	c.Parallel.ApplyDefaults()
	c.Memory.ApplyDefaults()
	c.Monitor.ApplyDefaults()
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// CacheConfig configures the cache manager.
type CacheConfig struct {
	MaxSize       int           `yaml:"max_size"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	EnableMetrics bool          `yaml:"enable_metrics"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:       10000,
		DefaultTTL:    5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Validate checks configuration.
func (c *CacheConfig) Validate() error {
	if c.MaxSize <= 0 {
		return engine.ErrValidation("cache.max_size", "must be positive")
	}
	if c.DefaultTTL < 0 {
		return engine.ErrValidation("cache.default_ttl", "must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *CacheConfig) ApplyDefaults() {
	defaults := DefaultCacheConfig()
	if c.MaxSize == 0 {
		c.MaxSize = defaults.MaxSize
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = defaults.DefaultTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
	}
}

// AsyncConfig configures the async processing engine.
type AsyncConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
}

// DefaultAsyncConfig returns sensible defaults.
func DefaultAsyncConfig() *AsyncConfig {
	return &AsyncConfig{
		MaxConcurrentJobs: 4,
		JobTimeout:        30 * time.Second,
		RetryAttempts:     3,
		RetentionPeriod:   10 * time.Minute,
	}
}

// Validate checks configuration.
func (c *AsyncConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return engine.ErrValidation("async.max_concurrent_jobs", "must be positive")
	}
	if c.RetryAttempts < 0 {
		return engine.ErrValidation("async.retry_attempts", "must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *AsyncConfig) ApplyDefaults() {
	defaults := DefaultAsyncConfig()
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = defaults.RetentionPeriod
	}
}

// BatchConfig configures the batch processing engine.
type BatchConfig struct {
	BatchSize      int `yaml:"batch_size"`
	MaxConcurrency int `yaml:"max_concurrency"`

	// FailureThreshold is the number of failed chunks after which a
	// batch terminates as failed instead of continuing past errors.
	FailureThreshold int `yaml:"failure_threshold"`

	// RateLimit paces chunk dispatch in items per second. Zero means
	// unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:        100,
		MaxConcurrency:   4,
		FailureThreshold: 10,
	}
}

// Validate checks configuration.
func (c *BatchConfig) Validate() error {
	if c.BatchSize <= 0 {
		return engine.ErrValidation("batch.batch_size", "must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return engine.ErrValidation("batch.max_concurrency", "must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *BatchConfig) ApplyDefaults() {
	defaults := DefaultBatchConfig()
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = defaults.MaxConcurrency
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
}

// ParallelConfig configures the parallel processing engine.
type ParallelConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// DefaultParallelConfig returns sensible defaults.
func DefaultParallelConfig() *ParallelConfig {
	return &ParallelConfig{
		MaxWorkers:  4,
		TaskTimeout: 30 * time.Second,
	}
}

// Validate checks configuration.
func (c *ParallelConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return engine.ErrValidation("parallel.max_workers", "must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *ParallelConfig) ApplyDefaults() {
	defaults := DefaultParallelConfig()
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaults.MaxWorkers
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = defaults.TaskTimeout
	}
}

// MemoryConfig configures the memory optimization engine.
type MemoryConfig struct {
	MemoryLimit        int64  `yaml:"memory_limit"`
	CompressionEnabled bool   `yaml:"compression_enabled"`
	CompressionCodec   string `yaml:"compression_codec"`
}

// Compression codecs
const (
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
)

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MemoryLimit:        256 * 1024 * 1024, // 256MB
		CompressionEnabled: true,
		CompressionCodec:   CodecZstd,
	}
}

// Validate checks configuration.
func (c *MemoryConfig) Validate() error {
	if c.MemoryLimit <= 0 {
		return engine.ErrValidation("memory.memory_limit", "must be positive")
	}
	switch c.CompressionCodec {
	case "", CodecZstd, CodecSnappy:
	default:
		return engine.ErrValidation("memory.compression_codec", fmt.Sprintf("unknown codec %q", c.CompressionCodec))
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *MemoryConfig) ApplyDefaults() {
	defaults := DefaultMemoryConfig()
	if c.MemoryLimit == 0 {
		c.MemoryLimit = defaults.MemoryLimit
	}
	if c.CompressionCodec == "" {
		c.CompressionCodec = defaults.CompressionCodec
	}
}

// AlertThresholds holds the monitored metric thresholds.
type AlertThresholds struct {
	CPU          float64 `yaml:"cpu"`
	Memory       float64 `yaml:"memory"`
	ResponseTime float64 `yaml:"response_time"`
	ErrorRate    float64 `yaml:"error_rate"`
}

// MonitorConfig configures the performance monitoring engine.
type MonitorConfig struct {
	MonitoringInterval time.Duration   `yaml:"monitoring_interval"`
	AlertThresholds    AlertThresholds `yaml:"alert_thresholds"`
	HistorySize        int             `yaml:"history_size"`
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		MonitoringInterval: 10 * time.Second,
		AlertThresholds: AlertThresholds{
			CPU:          80,
			Memory:       85,
			ResponseTime: 1000,
			ErrorRate:    5,
		},
		HistorySize: 1000,
	}
}

// Validate checks configuration.
func (c *MonitorConfig) Validate() error {
	if c.MonitoringInterval < 0 {
		return engine.ErrValidation("monitor.monitoring_interval", "must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values.
func (c *MonitorConfig) ApplyDefaults() {
	defaults := DefaultMonitorConfig()
	if c.MonitoringInterval == 0 {
		c.MonitoringInterval = defaults.MonitoringInterval
	}
	if c.AlertThresholds == (AlertThresholds{}) {
		c.AlertThresholds = defaults.AlertThresholds
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.HistorySize
	}
}
