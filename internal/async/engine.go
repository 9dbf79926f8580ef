// Package async implements the priority job engine: registered
// handlers, a heap-ordered ready queue, and a bounded worker pool with
// retries, timeouts and cooperative cancellation.
package async

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

// Retry backoff doubles per attempt from the base, capped at the max.
var (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// Stats contains engine statistics.
type Stats struct {
	Submitted  int64
	Succeeded  int64
	Failed     int64
	Retried    int64
	Cancelled  int64
	Running    int
	QueueDepth int
}

// Engine executes jobs from a priority queue on a bounded worker pool.
type Engine struct {
	config *config.AsyncConfig
	logger *zap.Logger
	bus    *events.Bus

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[string]Handler
	ready    jobHeap
	jobs     map[string]*Job
	seq      uint64
	running  int
	stopped  bool

	submitted int64
	succeeded int64
	failed    int64
	retried   int64
	cancelled int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates and starts an async engine. Workers occupy
// MaxConcurrentJobs slots; submission never blocks on execution.
func NewEngine(cfg *config.AsyncConfig, logger *zap.Logger, bus *events.Bus) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultAsyncConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:   cfg,
		logger:   logger,
		bus:      bus,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		stopCh:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	for i := 0; i < cfg.MaxConcurrentJobs; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	go e.retentionLoop()

	return e, nil
}

// RegisterHandler registers the handler for a job type. Re-registering
// a type replaces its handler.
func (e *Engine) RegisterHandler(jobType string, h Handler) error {
	if jobType == "" {
		return engine.ErrValidation("jobType", "must not be empty")
	}
	if h == nil {
		return engine.ErrValidation("handler", "must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
	return nil
}

// Submit queues a job and returns its id immediately. Unknown job
// types are rejected synchronously.
func (e *Engine) Submit(jobType string, payload interface{}, opts JobOptions) (string, error) {
	if opts.MaxAttempts < 0 {
		return "", engine.ErrValidation("maxAttempts", "must not be negative")
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = e.config.RetryAttempts
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.config.JobTimeout
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", engine.ErrShutdown
	}
	if _, ok := e.handlers[jobType]; !ok {
		e.mu.Unlock()
		return "", engine.ErrValidation("jobType", fmt.Sprintf("no handler registered for %q", jobType))
	}

	e.seq++
	job := newJob(jobType, payload, opts, e.seq)
	e.jobs[job.ID] = job
	heap.Push(&e.ready, job)
	e.submitted++
	e.cond.Signal()
	e.mu.Unlock()

	e.publish(events.TypeJobQueued, job)
	return job.ID, nil
}

// Job returns the user-visible snapshot for a job id.
func (e *Engine) Job(id string) (JobStatus, error) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	e.mu.Unlock()

	if !ok {
		return JobStatus{}, engine.ErrNotFound("job", id)
	}
	return job.Snapshot(), nil
}

// Wait blocks until the job settles, returning its result or terminal
// error. No polling is involved; completion closes the job's channel.
func (e *Engine) Wait(ctx context.Context, id string) (interface{}, error) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	e.mu.Unlock()

	if !ok {
		return nil, engine.ErrNotFound("job", id)
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status == engine.StatusSucceeded {
		return job.result, nil
	}
	return nil, job.err
}

// Cancel removes a queued job outright. A running job is cancelled
// cooperatively: its context is cancelled and the handler may settle
// the job by returning; the slot is reclaimed either way.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return engine.ErrNotFound("job", id)
	}

	job.mu.Lock()
	switch {
	case job.status == engine.StatusQueued:
		job.cancelled = true
		job.mu.Unlock()
		if job.index >= 0 {
			heap.Remove(&e.ready, job.index)
		}
		e.cancelled++
		e.mu.Unlock()

		job.finish(engine.StatusCancelled, nil, engine.ErrCancelled)
		e.publish(events.TypeJobCancelled, job)
		return nil

	case job.status == engine.StatusRunning:
		job.cancelled = true
		cancel := job.cancel
		job.mu.Unlock()
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		job.mu.Unlock()
		e.mu.Unlock()
		return nil
	}
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Submitted:  e.submitted,
		Succeeded:  e.succeeded,
		Failed:     e.failed,
		Retried:    e.retried,
		Cancelled:  e.cancelled,
		Running:    e.running,
		QueueDepth: len(e.ready),
	}
}

// Shutdown drains queued and running jobs until the context is done,
// then force-stops: the remaining queue is cancelled and running jobs
// get their contexts cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.abortQueued()
		e.cancelRunning()
		<-done
		return ctx.Err()
	}
}

// abortQueued empties the ready heap so the grace period is the hard
// bound on shutdown: queued jobs cancel instead of executing one by
// one after the deadline.
func (e *Engine) abortQueued() {
	e.mu.Lock()
	var queued []*Job
	for len(e.ready) > 0 {
		queued = append(queued, heap.Pop(&e.ready).(*Job))
	}
	e.cancelled += int64(len(queued))
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, job := range queued {
		job.mu.Lock()
		job.cancelled = true
		job.mu.Unlock()
		job.finish(engine.StatusCancelled, nil, engine.ErrShutdown)
		e.publish(events.TypeJobCancelled, job)
	}
}

func (e *Engine) cancelRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, job := range e.jobs {
		job.mu.Lock()
		if job.status == engine.StatusRunning && job.cancel != nil {
			job.cancelled = true
			job.cancel()
		}
		job.mu.Unlock()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for len(e.ready) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.ready) == 0 && e.stopped {
			e.mu.Unlock()
			return
		}
		job := heap.Pop(&e.ready).(*Job)
		handler := e.handlers[job.Type]
		e.running++
		e.mu.Unlock()

		e.run(job, handler)

		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}
}

type execResult struct {
	value interface{}
	err   error
}

// run executes one attempt. The worker slot is reclaimed when the
// attempt settles or times out; a timed-out handler keeps running on
// its own goroutine until it observes its cancelled context.
func (e *Engine) run(job *Job, handler Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	job.mu.Lock()
	if job.cancelled {
		job.mu.Unlock()
		job.finish(engine.StatusCancelled, nil, engine.ErrCancelled)
		e.publish(events.TypeJobCancelled, job)
		return
	}
	job.status = engine.StatusRunning
	job.attempts++
	attempt := job.attempts
	job.cancel = cancel
	job.mu.Unlock()

	e.publish(events.TypeJobStarted, job)

	resultCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := handler(ctx, job.Payload)
		resultCh <- execResult{value: value, err: err}
	}()

	var res execResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			res = execResult{err: engine.TimeoutError{Op: "job", ID: job.ID}}
		} else {
			res = execResult{err: engine.ErrCancelled}
		}
	}

	e.settle(job, attempt, res)
}

func (e *Engine) settle(job *Job, attempt int, res execResult) {
	job.mu.Lock()
	wasCancelled := job.cancelled
	job.cancel = nil
	job.mu.Unlock()

	switch {
	case wasCancelled:
		job.finish(engine.StatusCancelled, nil, engine.ErrCancelled)
		e.mu.Lock()
		e.cancelled++
		e.mu.Unlock()
		e.publish(events.TypeJobCancelled, job)

	case res.err == nil:
		job.finish(engine.StatusSucceeded, res.value, nil)
		e.mu.Lock()
		e.succeeded++
		e.mu.Unlock()
		e.publish(events.TypeJobSucceeded, job)

	case attempt < job.MaxAttempts:
		job.setStatus(engine.StatusQueued)
		e.mu.Lock()
		e.retried++
		e.mu.Unlock()
		e.publish(events.TypeJobRetried, job)

		delay := backoff(attempt)
		e.logger.Debug("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		time.AfterFunc(delay, func() { e.requeue(job, res.err) })

	default:
		job.finish(engine.StatusFailed, nil, engine.HandlerError{Op: "job", ID: job.ID, Err: res.err})
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", attempt),
			zap.Error(res.err))
		e.publish(events.TypeJobFailed, job)
	}
}

// requeue returns a retrying job to the ready heap once its backoff
// elapses. A stopped engine fails the job instead of stranding it.
func (e *Engine) requeue(job *Job, lastErr error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		job.finish(engine.StatusFailed, nil, engine.HandlerError{Op: "job", ID: job.ID, Err: lastErr})
		e.publish(events.TypeJobFailed, job)
		return
	}

	job.mu.Lock()
	if job.cancelled {
		job.mu.Unlock()
		e.cancelled++
		e.mu.Unlock()
		job.finish(engine.StatusCancelled, nil, engine.ErrCancelled)
		e.publish(events.TypeJobCancelled, job)
		return
	}
	job.mu.Unlock()

	heap.Push(&e.ready, job)
	e.cond.Signal()
	e.mu.Unlock()
}

func backoff(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}

// retentionLoop sweeps finished jobs past the retention window so
// status lookups stay bounded.
func (e *Engine) retentionLoop() {
	interval := e.config.RetentionPeriod / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-e.config.RetentionPeriod)
			e.mu.Lock()
			for id, job := range e.jobs {
				if job.finishedBefore(cutoff) {
					delete(e.jobs, id)
				}
			}
			e.mu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) publish(eventType string, job *Job) {
	if e.bus == nil {
		return
	}
	snap := job.Snapshot()
	data := map[string]interface{}{
		"job_id":   snap.ID,
		"type":     snap.Type,
		"status":   string(snap.Status),
		"attempts": snap.Attempts,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	e.bus.Publish(context.Background(), events.New(eventType, "async", data))
}
