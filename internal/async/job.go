package async

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellarworks/vintrack/internal/engine"
)

// Handler executes one job. The context carries the job's timeout and
// cancellation; a cooperative handler checks ctx.Done() at safe points.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// JobOptions tune a single submission. Zero values fall back to the
// engine configuration.
type JobOptions struct {
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
}

// Job is one unit of async work.
type Job struct {
	ID          string
	Type        string
	Payload     interface{}
	Priority    int
	MaxAttempts int
	Timeout     time.Duration

	mu         sync.Mutex
	status     engine.Status
	attempts   int
	result     interface{}
	err        error
	finishedAt time.Time

	seq       uint64 // submission order, breaks priority ties FIFO
	index     int    // heap index, -1 when not queued
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled bool
}

func newJob(jobType string, payload interface{}, opts JobOptions, seq uint64) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		status:      engine.StatusQueued,
		seq:         seq,
		index:       -1,
		done:        make(chan struct{}),
	}
}

// JobStatus is the user-visible snapshot of a job. Error carries the
// last failure message without internal stack traces.
type JobStatus struct {
	ID       string
	Type     string
	Status   engine.Status
	Priority int
	Attempts int
	Result   interface{}
	Error    string
}

// Snapshot returns the job's current user-visible state.
func (j *Job) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := JobStatus{
		ID:       j.ID,
		Type:     j.Type,
		Status:   j.status,
		Priority: j.Priority,
		Attempts: j.attempts,
		Result:   j.result,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setStatus(s engine.Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) currentStatus() engine.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// finish moves the job to a terminal state exactly once.
func (j *Job) finish(s engine.Status, result interface{}, err error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = s
	j.result = result
	j.err = err
	j.finishedAt = time.Now()
	j.mu.Unlock()
	close(j.done)
}

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Terminal() && !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff)
}
