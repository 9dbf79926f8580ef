package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
)

func newTestEngine(t *testing.T, cfg *config.ParallelConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func TestExecuteSingleTask(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Execute(context.Background(), NewTask("double", 21, func(ctx context.Context, data interface{}) (interface{}, error) {
		return data.(int) * 2, nil
	}))
	if res.Err != nil {
		t.Fatalf("Execute: %v", res.Err)
	}
	if res.Value.(int) != 42 {
		t.Fatalf("value = %v, want 42", res.Value)
	}
}

func TestExecuteAllPreservesSubmissionOrder(t *testing.T) {
	e := newTestEngine(t, &config.ParallelConfig{MaxWorkers: 8, TaskTimeout: 5 * time.Second})

	// Earlier tasks sleep longer, so later tasks finish first.
	const k = 8
	tasks := make([]Task, k)
	for i := 0; i < k; i++ {
		i := i
		tasks[i] = NewTask("ordered", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
			time.Sleep(time.Duration(k-i) * 10 * time.Millisecond)
			return i, nil
		})
	}

	results, err := e.ExecuteAll(context.Background(), tasks)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if len(results) != k {
		t.Fatalf("results = %d, want %d", len(results), k)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("task %d failed: %v", i, res.Err)
		}
		if res.Value.(int) != i {
			t.Fatalf("results[%d] = %v, want %d", i, res.Value, i)
		}
	}
}

func TestTaskFailureIsolated(t *testing.T) {
	e := newTestEngine(t, nil)

	boom := errors.New("label torn")
	tasks := []Task{
		NewTask("ok", 1, func(ctx context.Context, data interface{}) (interface{}, error) { return data, nil }),
		NewTask("bad", nil, func(ctx context.Context, _ interface{}) (interface{}, error) { return nil, boom }),
		NewTask("ok", 3, func(ctx context.Context, data interface{}) (interface{}, error) { return data, nil }),
	}

	results, err := e.ExecuteAll(context.Background(), tasks)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("siblings affected: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("results[1].Err = %v, want wrapped %v", results[1].Err, boom)
	}
}

func TestTaskPanicIsolated(t *testing.T) {
	e := newTestEngine(t, nil)

	tasks := []Task{
		NewTask("boom", nil, func(ctx context.Context, _ interface{}) (interface{}, error) { panic("cracked glass") }),
		NewTask("ok", 2, func(ctx context.Context, data interface{}) (interface{}, error) { return data, nil }),
	}

	results, err := e.ExecuteAll(context.Background(), tasks)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected error from panicking task")
	}
	if results[1].Err != nil || results[1].Value.(int) != 2 {
		t.Fatalf("sibling affected: %+v", results[1])
	}
}

func TestTaskTimeout(t *testing.T) {
	e := newTestEngine(t, &config.ParallelConfig{MaxWorkers: 2, TaskTimeout: 20 * time.Millisecond})

	res := e.Execute(context.Background(), NewTask("slow", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	if !errors.Is(res.Err, engine.ErrTimeout) {
		t.Fatalf("err = %v, want %v", res.Err, engine.ErrTimeout)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	e := newTestEngine(t, &config.ParallelConfig{MaxWorkers: 3, TaskTimeout: 5 * time.Second})

	var running, peak atomic.Int64
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = NewTask("bound", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})
	}

	if _, err := e.ExecuteAll(context.Background(), tasks); err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestNilTaskFnRejected(t *testing.T) {
	e := newTestEngine(t, nil)

	if res := e.Execute(context.Background(), Task{ID: "x"}); res.Err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := e.ExecuteAll(context.Background(), []Task{{ID: "x"}}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExecuteAfterShutdown(t *testing.T) {
	e, err := NewEngine(nil, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	res := e.Execute(context.Background(), NewTask("x", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, nil
	}))
	if !errors.Is(res.Err, engine.ErrShutdown) {
		t.Fatalf("err = %v, want %v", res.Err, engine.ErrShutdown)
	}
}

func TestTaskEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe("task.*")
	defer sub.Close()

	e, err := NewEngine(nil, zap.NewNop(), bus)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Shutdown(context.Background())

	e.Execute(context.Background(), NewTask("ok", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, nil
	}))
	e.Execute(context.Background(), NewTask("bad", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.Type != events.TypeTaskCompleted {
		t.Fatalf("first event = %s, want %s", ev.Type, events.TypeTaskCompleted)
	}
	ev, err = sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.Type != events.TypeTaskFailed {
		t.Fatalf("second event = %s, want %s", ev.Type, events.TypeTaskFailed)
	}
}

func TestStatsCountFailures(t *testing.T) {
	e := newTestEngine(t, nil)

	e.Execute(context.Background(), NewTask("ok", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, nil
	}))
	e.Execute(context.Background(), NewTask("bad", nil, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	}))

	stats := e.Stats()
	if stats.Executed != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want executed 2 failed 1", stats)
	}
}
