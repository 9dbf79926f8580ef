package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

// TaskFunc is the unit of work a task runs.
type TaskFunc func(ctx context.Context, data interface{}) (interface{}, error)

// Task is an independent unit of parallel work.
type Task struct {
	ID   string
	Type string
	Data interface{}
	Fn   TaskFunc
}

// NewTask builds a task with a generated id.
func NewTask(taskType string, data interface{}, fn TaskFunc) Task {
	return Task{
		ID:   uuid.New().String(),
		Type: taskType,
		Data: data,
		Fn:   fn,
	}
}

// TaskResult is the outcome of one task. A failed task carries its
// error here; siblings are unaffected.
type TaskResult struct {
	TaskID   string
	Value    interface{}
	Err      error
	Duration time.Duration
}

// Stats contains parallel engine statistics.
type Stats struct {
	Executed int64
	Failed   int64
}

// Engine dispatches independent tasks across a fixed worker pool.
// Results always come back in submission order regardless of which
// task finishes first.
type Engine struct {
	config *config.ParallelConfig
	logger *zap.Logger
	bus    *events.Bus

	sem chan struct{}

	mu       sync.Mutex
	stopped  bool
	executed int64
	failed   int64
	wg       sync.WaitGroup
}

// NewEngine creates a parallel engine.
func NewEngine(cfg *config.ParallelConfig, logger *zap.Logger, bus *events.Bus) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultParallelConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		config: cfg,
		logger: logger,
		bus:    bus,
		sem:    make(chan struct{}, cfg.MaxWorkers),
	}, nil
}

// Execute runs a single task and blocks until it settles.
func (e *Engine) Execute(ctx context.Context, task Task) TaskResult {
	if task.Fn == nil {
		return TaskResult{TaskID: task.ID, Err: engine.ErrValidation("task", "fn must not be nil")}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return TaskResult{TaskID: task.ID, Err: engine.ErrShutdown}
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return TaskResult{TaskID: task.ID, Err: ctx.Err()}
	}
	defer func() { <-e.sem }()

	return e.runTask(ctx, task)
}

// ExecuteAll runs every task across the pool and returns one result
// per task, index-aligned with the input. Task failures land in their
// own slot; ExecuteAll itself errors only on bad input or shutdown.
func (e *Engine) ExecuteAll(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	for i, task := range tasks {
		if task.Fn == nil {
			return nil, engine.ErrValidation("task", fmt.Sprintf("fn must not be nil (index %d)", i))
		}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, engine.ErrShutdown
	}
	e.wg.Add(len(tasks))
	e.mu.Unlock()

	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, task Task) {
			defer wg.Done()
			defer e.wg.Done()

			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = TaskResult{TaskID: task.ID, Err: ctx.Err()}
				return
			}
			defer func() { <-e.sem }()

			results[idx] = e.runTask(ctx, task)
		}(i, task)
	}
	wg.Wait()

	return results, nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Executed: e.executed, Failed: e.failed}
}

// Shutdown stops accepting tasks and waits for in-flight ones.
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
		return ctx.Err()
	}
}

// runTask executes the task body with a per-task deadline. The slot
// frees on timeout even if the body lingers; the abandoned goroutine
// exits once it observes cancellation.
func (e *Engine) runTask(ctx context.Context, task Task) TaskResult {
	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan TaskResult, 1)
	go func() {
		value, err := runProtected(taskCtx, task)
		resultCh <- TaskResult{TaskID: task.ID, Value: value, Err: err}
	}()

	var result TaskResult
	select {
	case result = <-resultCh:
	case <-taskCtx.Done():
		if taskCtx.Err() == context.DeadlineExceeded {
			result = TaskResult{TaskID: task.ID, Err: engine.TimeoutError{Op: "task", ID: task.ID}}
		} else {
			result = TaskResult{TaskID: task.ID, Err: taskCtx.Err()}
		}
	}
	result.Duration = time.Since(start)

	e.mu.Lock()
	e.executed++
	if result.Err != nil {
		e.failed++
	}
	e.mu.Unlock()

	if result.Err != nil {
		e.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.Error(result.Err))
		e.publish(events.TypeTaskFailed, task, result)
	} else {
		e.publish(events.TypeTaskCompleted, task, result)
	}
	return result
}

func runProtected(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.HandlerError{Op: "task", ID: task.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err = task.Fn(ctx, task.Data)
	if err != nil {
		err = engine.HandlerError{Op: "task", ID: task.ID, Err: err}
	}
	return value, err
}

func (e *Engine) publish(eventType string, task Task, result TaskResult) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":     task.ID,
		"type":        task.Type,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		data["error"] = result.Err.Error()
	}
	e.bus.Publish(context.Background(), events.New(eventType, "parallel", data))
}
