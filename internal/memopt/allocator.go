package memopt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

// AllocatorStats contains allocator statistics.
type AllocatorStats struct {
	Used     int64
	Limit    int64
	Tags     int
	Rejected int64
}

// Allocator tracks cumulative tagged allocations against a hard
// memory limit. Exceeding the limit fails the allocation instead of
// growing; the breach is published on the bus.
type Allocator struct {
	config *config.MemoryConfig
	logger *zap.Logger
	bus    *events.Bus

	mu       sync.Mutex
	used     int64
	allocs   map[string]int64
	rejected int64
}

// NewAllocator creates an allocator for the configured limit.
func NewAllocator(cfg *config.MemoryConfig, logger *zap.Logger, bus *events.Bus) (*Allocator, error) {
	if cfg == nil {
		cfg = config.DefaultMemoryConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Allocator{
		config: cfg,
		logger: logger,
		bus:    bus,
		allocs: make(map[string]int64),
	}, nil
}

// Allocate reserves size bytes under tag. Repeated tags accumulate.
func (a *Allocator) Allocate(size int64, tag string) error {
	if size <= 0 {
		return engine.ErrValidation("size", "must be positive")
	}
	if tag == "" {
		return engine.ErrValidation("tag", "must not be empty")
	}

	a.mu.Lock()
	if a.used+size > a.config.MemoryLimit {
		a.rejected++
		used := a.used
		a.mu.Unlock()

		a.logger.Warn("memory limit exceeded",
			zap.String("tag", tag),
			zap.Int64("requested", size),
			zap.Int64("used", used),
			zap.Int64("limit", a.config.MemoryLimit))
		a.publishExceeded(tag, size, used)
		return engine.ErrCapacity("memory", a.config.MemoryLimit, used+size)
	}
	a.used += size
	a.allocs[tag] += size
	a.mu.Unlock()
	return nil
}

// Release frees everything reserved under tag.
func (a *Allocator) Release(tag string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocs[tag]
	if !ok {
		return engine.ErrNotFound("allocation", tag)
	}
	a.used -= size
	delete(a.allocs, tag)
	return nil
}

// Used returns the reserved byte total.
func (a *Allocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Stats returns allocator statistics.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AllocatorStats{
		Used:     a.used,
		Limit:    a.config.MemoryLimit,
		Tags:     len(a.allocs),
		Rejected: a.rejected,
	}
}

func (a *Allocator) publishExceeded(tag string, requested, used int64) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(context.Background(), events.New(events.TypeMemoryExceeded, "memopt", map[string]interface{}{
		"tag":       tag,
		"requested": requested,
		"used":      used,
		"limit":     a.config.MemoryLimit,
	}))
}
