// Package batch implements chunked processing of large collections
// with bounded concurrency, and a push-based streaming variant with
// backpressure.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

// ChunkFunc processes one chunk of a batch.
type ChunkFunc func(ctx context.Context, chunk []interface{}) error

// ChunkError records a failed chunk.
type ChunkError struct {
	ChunkIndex int
	Items      int
	Err        error
}

// BatchStatus is the user-visible snapshot of a batch.
type BatchStatus struct {
	ID             string
	Status         engine.Status
	ProcessedItems int
	TotalItems     int
	Errors         []string
}

type batch struct {
	id        string
	total     int
	createdAt time.Time

	mu        sync.Mutex
	status    engine.Status
	processed int
	errors    []ChunkError

	done   chan struct{}
	cancel context.CancelFunc
}

func (b *batch) snapshot() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BatchStatus{
		ID:             b.id,
		Status:         b.status,
		ProcessedItems: b.processed,
		TotalItems:     b.total,
	}
	for _, ce := range b.errors {
		s.Errors = append(s.Errors, ce.Err.Error())
	}
	return s
}

// Engine chunks collections and processes them with bounded
// concurrency. Chunk failures are recorded and processing continues
// until the failure threshold is crossed.
type Engine struct {
	config  *config.BatchConfig
	logger  *zap.Logger
	bus     *events.Bus
	limiter *rate.Limiter

	mu      sync.Mutex
	batches map[string]*batch
	stopped bool
	wg      sync.WaitGroup
}

// NewEngine creates a batch engine.
func NewEngine(cfg *config.BatchConfig, logger *zap.Logger, bus *events.Bus) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultBatchConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:  cfg,
		logger:  logger,
		bus:     bus,
		batches: make(map[string]*batch),
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BatchSize)
	}
	return e, nil
}

// Process chunks items and dispatches the chunks across the worker
// pool, returning a batch id immediately. Cancelling ctx aborts the
// batch.
func (e *Engine) Process(ctx context.Context, items []interface{}, fn ChunkFunc) (string, error) {
	if fn == nil {
		return "", engine.ErrValidation("processor", "must not be nil")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", engine.ErrShutdown
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &batch{
		id:        uuid.New().String(),
		total:     len(items),
		createdAt: time.Now(),
		status:    engine.StatusRunning,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	e.batches[b.id] = b
	e.wg.Add(1)
	e.mu.Unlock()

	e.publish(events.TypeBatchStarted, b)
	go e.runBatch(runCtx, b, items, fn)

	return b.id, nil
}

// Status reports a batch's progress.
func (e *Engine) Status(id string) (BatchStatus, error) {
	e.mu.Lock()
	b, ok := e.batches[id]
	e.mu.Unlock()

	if !ok {
		return BatchStatus{}, engine.ErrNotFound("batch", id)
	}
	return b.snapshot(), nil
}

// Wait blocks until the batch settles.
func (e *Engine) Wait(ctx context.Context, id string) (BatchStatus, error) {
	e.mu.Lock()
	b, ok := e.batches[id]
	e.mu.Unlock()

	if !ok {
		return BatchStatus{}, engine.ErrNotFound("batch", id)
	}

	select {
	case <-b.done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return BatchStatus{}, ctx.Err()
	}
}

// Shutdown cancels running batches once the context expires and waits
// for their workers to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, b := range e.batches {
			b.cancel()
		}
		e.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) runBatch(ctx context.Context, b *batch, items []interface{}, fn ChunkFunc) {
	defer e.wg.Done()
	defer b.cancel()

	chunks := chunkItems(items, e.config.BatchSize)
	sem := make(chan struct{}, e.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		if e.limiter != nil {
			if err := e.limiter.WaitN(ctx, len(chunk)); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, chunk []interface{}) {
			defer wg.Done()
			defer func() { <-sem }()
			e.runChunk(ctx, b, idx, chunk, fn)
		}(i, chunk)
	}

	wg.Wait()

	b.mu.Lock()
	failed := len(b.errors) >= e.config.FailureThreshold || (ctx.Err() != nil && b.processed < b.total)
	if failed {
		b.status = engine.StatusFailed
	} else {
		b.status = engine.StatusCompleted
	}
	b.mu.Unlock()
	close(b.done)

	if failed {
		e.publish(events.TypeBatchFailed, b)
	} else {
		e.publish(events.TypeBatchCompleted, b)
	}
}

func (e *Engine) runChunk(ctx context.Context, b *batch, idx int, chunk []interface{}, fn ChunkFunc) {
	err := runProtected(ctx, chunk, fn)
	if err != nil {
		b.mu.Lock()
		b.errors = append(b.errors, ChunkError{ChunkIndex: idx, Items: len(chunk), Err: err})
		exceeded := len(b.errors) >= e.config.FailureThreshold
		b.mu.Unlock()

		e.logger.Warn("batch chunk failed",
			zap.String("batch_id", b.id),
			zap.Int("chunk", idx),
			zap.Error(err))

		// Past the threshold the batch terminates instead of grinding on.
		if exceeded {
			b.cancel()
		}
		return
	}

	b.mu.Lock()
	b.processed += len(chunk)
	b.mu.Unlock()
}

// runProtected isolates handler panics within the failing chunk.
func runProtected(ctx context.Context, chunk []interface{}, fn ChunkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.HandlerError{Op: "chunk", ID: "", Err: panicError(r)}
		}
	}()
	if err := fn(ctx, chunk); err != nil {
		return engine.HandlerError{Op: "chunk", Err: err}
	}
	return nil
}

func panicError(r interface{}) error {
	return fmt.Errorf("panic: %v", r)
}

func chunkItems(items []interface{}, size int) [][]interface{} {
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]interface{}, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func (e *Engine) publish(eventType string, b *batch) {
	if e.bus == nil {
		return
	}
	snap := b.snapshot()
	e.bus.Publish(context.Background(), events.New(eventType, "batch", map[string]interface{}{
		"batch_id":  snap.ID,
		"status":    string(snap.Status),
		"processed": snap.ProcessedItems,
		"total":     snap.TotalItems,
		"errors":    len(snap.Errors),
	}))
}
