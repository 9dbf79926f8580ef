package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

func newTestEngine(t *testing.T, cfg *config.AsyncConfig) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = &config.AsyncConfig{
			MaxConcurrentJobs: 2,
			JobTimeout:        5 * time.Second,
			RetryAttempts:     1,
			RetentionPeriod:   time.Minute,
		}
	}
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestSubmitAndWait(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.RegisterHandler("double", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return payload.(int) * 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := e.Submit("double", 21, JobOptions{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result, err := e.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %v", result)
	}

	status, err := e.Job(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != engine.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", status.Status)
	}
	if status.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", status.Attempts)
	}
}

func TestSubmitUnknownType(t *testing.T) {
	e := newTestEngine(t, nil)

	if _, err := e.Submit("unregistered", nil, JobOptions{}); err == nil {
		t.Error("expected validation error for unknown job type")
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	e := newTestEngine(t, nil)

	if err := e.RegisterHandler("", func(ctx context.Context, p interface{}) (interface{}, error) { return nil, nil }); err == nil {
		t.Error("expected error for empty type")
	}
	if err := e.RegisterHandler("x", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestPriorityOrdering(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        5 * time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e := newTestEngine(t, cfg)

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	_ = e.RegisterHandler("block", func(ctx context.Context, p interface{}) (interface{}, error) {
		<-release
		return nil, nil
	})
	_ = e.RegisterHandler("record", func(ctx context.Context, p interface{}) (interface{}, error) {
		mu.Lock()
		order = append(order, p.(int))
		mu.Unlock()
		return nil, nil
	})

	// Occupy the single worker so both records are queued together.
	blockID, _ := e.Submit("block", nil, JobOptions{Priority: 100})
	lowID, _ := e.Submit("record", 1, JobOptions{Priority: 1})
	highID, _ := e.Submit("record", 5, JobOptions{Priority: 5})

	close(release)

	for _, id := range []string{blockID, lowID, highID} {
		if _, err := e.Wait(context.Background(), id); err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 5 || order[1] != 1 {
		t.Errorf("expected order [5 1], got %v", order)
	}
}

func TestEqualPriorityFIFO(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        5 * time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e := newTestEngine(t, cfg)

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	_ = e.RegisterHandler("block", func(ctx context.Context, p interface{}) (interface{}, error) {
		<-release
		return nil, nil
	})
	_ = e.RegisterHandler("record", func(ctx context.Context, p interface{}) (interface{}, error) {
		mu.Lock()
		order = append(order, p.(int))
		mu.Unlock()
		return nil, nil
	})

	_, _ = e.Submit("block", nil, JobOptions{})
	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := e.Submit("record", i, JobOptions{Priority: 3})
		ids = append(ids, id)
	}
	close(release)

	for _, id := range ids {
		if _, err := e.Wait(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	e := newTestEngine(t, nil)

	var calls atomic.Int64
	_ = e.RegisterHandler("flaky", func(ctx context.Context, p interface{}) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	id, err := e.Submit("flaky", nil, JobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %v", result)
	}

	status, _ := e.Job(id)
	if status.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", status.Attempts)
	}
}

func TestRetriesExhausted(t *testing.T) {
	e := newTestEngine(t, nil)

	cause := errors.New("permanent")
	_ = e.RegisterHandler("doomed", func(ctx context.Context, p interface{}) (interface{}, error) {
		return nil, cause
	})

	id, _ := e.Submit("doomed", nil, JobOptions{MaxAttempts: 2})

	_, err := e.Wait(context.Background(), id)
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if !errors.Is(err, cause) {
		t.Errorf("terminal error should retain last cause, got %v", err)
	}

	status, _ := e.Job(id)
	if status.Status != engine.StatusFailed {
		t.Errorf("expected failed, got %s", status.Status)
	}
	if status.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", status.Attempts)
	}
	if status.Error == "" {
		t.Error("status should surface the error message")
	}
}

func TestJobTimeout(t *testing.T) {
	e := newTestEngine(t, nil)

	_ = e.RegisterHandler("slow", func(ctx context.Context, p interface{}) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, _ := e.Submit("slow", nil, JobOptions{Timeout: 30 * time.Millisecond, MaxAttempts: 1})

	start := time.Now()
	_, err := e.Wait(context.Background(), id)
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if !errors.Is(err, engine.ErrTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("slot should be reclaimed at the timeout, waited %v", elapsed)
	}
}

func TestTimeoutReclaimsSlotDespiteStuckHandler(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e := newTestEngine(t, cfg)

	unstick := make(chan struct{})
	defer close(unstick)

	// Ignores its context entirely.
	_ = e.RegisterHandler("stuck", func(ctx context.Context, p interface{}) (interface{}, error) {
		<-unstick
		return nil, nil
	})
	_ = e.RegisterHandler("quick", func(ctx context.Context, p interface{}) (interface{}, error) {
		return "done", nil
	})

	stuckID, _ := e.Submit("stuck", nil, JobOptions{Timeout: 30 * time.Millisecond, MaxAttempts: 1})
	if _, err := e.Wait(context.Background(), stuckID); err == nil {
		t.Fatal("stuck job should time out")
	}

	// The single slot must be free for the next job even though the
	// stuck handler is still blocked.
	quickID, _ := e.Submit("quick", nil, JobOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.Wait(ctx, quickID); err != nil {
		t.Fatalf("slot was not reclaimed: %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        5 * time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e := newTestEngine(t, cfg)

	release := make(chan struct{})
	defer close(release)

	_ = e.RegisterHandler("block", func(ctx context.Context, p interface{}) (interface{}, error) {
		<-release
		return nil, nil
	})
	_ = e.RegisterHandler("never", func(ctx context.Context, p interface{}) (interface{}, error) {
		t.Error("cancelled queued job must not run")
		return nil, nil
	})

	_, _ = e.Submit("block", nil, JobOptions{})
	id, _ := e.Submit("never", nil, JobOptions{})

	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err := e.Wait(context.Background(), id)
	if !errors.Is(err, engine.ErrCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}

	status, _ := e.Job(id)
	if status.Status != engine.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", status.Status)
	}
}

func TestCancelRunningJobCooperative(t *testing.T) {
	e := newTestEngine(t, nil)

	started := make(chan struct{})
	_ = e.RegisterHandler("cooperative", func(ctx context.Context, p interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := e.Submit("cooperative", nil, JobOptions{MaxAttempts: 1})
	<-started

	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err := e.Wait(context.Background(), id)
	if !errors.Is(err, engine.ErrCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.Cancel("no-such-id")
	if !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFailureIsolation(t *testing.T) {
	e := newTestEngine(t, nil)

	_ = e.RegisterHandler("fail", func(ctx context.Context, p interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	_ = e.RegisterHandler("ok", func(ctx context.Context, p interface{}) (interface{}, error) {
		return p, nil
	})

	failID, _ := e.Submit("fail", nil, JobOptions{MaxAttempts: 1})
	okID, _ := e.Submit("ok", "fine", JobOptions{})

	if _, err := e.Wait(context.Background(), failID); err == nil {
		t.Error("expected failure")
	}
	result, err := e.Wait(context.Background(), okID)
	if err != nil {
		t.Errorf("sibling job must be unaffected: %v", err)
	}
	if result != "fine" {
		t.Errorf("expected fine, got %v", result)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	e := newTestEngine(t, nil)

	_ = e.RegisterHandler("panics", func(ctx context.Context, p interface{}) (interface{}, error) {
		panic("handler bug")
	})

	id, _ := e.Submit("panics", nil, JobOptions{MaxAttempts: 1})

	_, err := e.Wait(context.Background(), id)
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}

	status, _ := e.Job(id)
	if status.Status != engine.StatusFailed {
		t.Errorf("expected failed, got %s", status.Status)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe("job.*")
	defer sub.Close()

	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        5 * time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e, err := NewEngine(cfg, nil, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	_ = e.RegisterHandler("noop", func(ctx context.Context, p interface{}) (interface{}, error) {
		return nil, nil
	})
	id, _ := e.Submit("noop", nil, JobOptions{})
	if _, err := e.Wait(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	want := []string{events.TypeJobQueued, events.TypeJobStarted, events.TypeJobSucceeded}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, w := range want {
		ev, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", w, err)
		}
		if ev.Type != w {
			t.Errorf("expected %s, got %s", w, ev.Type)
		}
		if ev.Data["job_id"] != id {
			t.Errorf("expected job_id %s, got %v", id, ev.Data["job_id"])
		}
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = e.RegisterHandler("noop", func(ctx context.Context, p interface{}) (interface{}, error) {
		return nil, nil
	})

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Submit("noop", nil, JobOptions{}); !errors.Is(err, engine.ErrShutdown) {
		t.Errorf("expected shutdown error, got %v", err)
	}
}

func TestConcurrencyBound(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 3,
		JobTimeout:        5 * time.Second,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e := newTestEngine(t, cfg)

	var current, peak atomic.Int64
	_ = e.RegisterHandler("track", func(ctx context.Context, p interface{}) (interface{}, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})

	var ids []string
	for i := 0; i < 12; i++ {
		id, _ := e.Submit("track", i, JobOptions{})
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := e.Wait(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	if p := peak.Load(); p > 3 {
		t.Errorf("concurrency exceeded pool size: peak %d", p)
	}
}

func TestShutdownDeadlineAbandonsQueue(t *testing.T) {
	cfg := &config.AsyncConfig{
		MaxConcurrentJobs: 1,
		JobTimeout:        time.Minute,
		RetryAttempts:     1,
		RetentionPeriod:   time.Minute,
	}
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	_ = e.RegisterHandler("slow", func(ctx context.Context, p interface{}) (interface{}, error) {
		select {
		case <-time.After(10 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := e.Submit("slow", nil, JobOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = e.Shutdown(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The queue must not execute job by job past the deadline.
	if elapsed > 2*time.Second {
		t.Fatalf("shutdown took %v, want near the 50ms grace period", elapsed)
	}

	for _, id := range ids {
		status, err := e.Job(id)
		if err != nil {
			t.Fatal(err)
		}
		if !status.Status.Terminal() {
			t.Errorf("job %s left in state %s after force-stop", id, status.Status)
		}
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, nil)

	_ = e.RegisterHandler("ok", func(ctx context.Context, p interface{}) (interface{}, error) {
		return nil, nil
	})

	id, _ := e.Submit("ok", nil, JobOptions{})
	_, _ = e.Wait(context.Background(), id)

	stats := e.Stats()
	if stats.Submitted != 1 {
		t.Errorf("expected 1 submitted, got %d", stats.Submitted)
	}
	if stats.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d", stats.Succeeded)
	}
}
