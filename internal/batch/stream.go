package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/engine"
)

// ItemFunc processes one streamed item.
type ItemFunc func(ctx context.Context, item interface{}) (interface{}, error)

// ItemResult is the outcome for one streamed item. Index is the
// item's arrival order.
type ItemResult struct {
	Index  int
	Item   interface{}
	Result interface{}
	Err    error
}

// StreamStats contains stream statistics.
type StreamStats struct {
	Written   int
	Processed int
	Errors    int
	InFlight  int
}

type streamItem struct {
	index int
	value interface{}
}

// Stream is the push-based processing variant. Items buffer until a
// chunk fills, chunks process concurrently up to the pool size, and
// End drains remaining work before signalling completion. Producers
// should consult CanAcceptMore and slow down when it reports false;
// Write enforces the bound with a CapacityError.
type Stream struct {
	id     string
	config *streamConfig
	logger *zap.Logger
	fn     ItemFunc

	mu        sync.Mutex
	buf       []streamItem
	nextIndex int
	inFlight  int
	processed int
	errored   int
	ended     bool

	ctx     context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	results chan ItemResult
	done    chan struct{}
	wg      sync.WaitGroup
}

type streamConfig struct {
	chunkSize int
	highWater int
}

// CreateStream builds a processing stream using the engine's chunk
// size and concurrency bounds.
func (e *Engine) CreateStream(fn ItemFunc) (*Stream, error) {
	if fn == nil {
		return nil, engine.ErrValidation("processor", "must not be nil")
	}

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, engine.ErrShutdown
	}

	highWater := e.config.BatchSize * e.config.MaxConcurrency * 2
	ctx, cancel := context.WithCancel(context.Background())

	return &Stream{
		id: uuid.New().String(),
		config: &streamConfig{
			chunkSize: e.config.BatchSize,
			highWater: highWater,
		},
		logger:  e.logger,
		fn:      fn,
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, e.config.MaxConcurrency),
		results: make(chan ItemResult, highWater),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the stream's id.
func (s *Stream) ID() string { return s.id }

// Write pushes one item. It fills the pending chunk and dispatches it
// once full. Writing past the buffer bound fails with a CapacityError;
// writing after End fails with a validation error.
func (s *Stream) Write(item interface{}) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return engine.ErrValidation("stream", "write after end")
	}
	if s.inFlight >= s.config.highWater {
		s.mu.Unlock()
		return engine.ErrCapacity("stream buffer", int64(s.config.highWater), int64(s.config.highWater+1))
	}

	s.buf = append(s.buf, streamItem{index: s.nextIndex, value: item})
	s.nextIndex++
	s.inFlight++

	var chunk []streamItem
	if len(s.buf) >= s.config.chunkSize {
		chunk = s.buf
		s.buf = nil
	}
	s.mu.Unlock()

	if chunk != nil {
		s.dispatch(chunk)
	}
	return nil
}

// CanAcceptMore reports whether the producer may keep writing without
// hitting the buffer bound.
func (s *Stream) CanAcceptMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.inFlight < s.config.highWater
}

// End flushes the partial chunk and signals completion once all
// buffered work drains. The results channel closes after the final
// result.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	chunk := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(chunk) > 0 {
		s.dispatch(chunk)
	}

	go func() {
		s.wg.Wait()
		close(s.results)
		close(s.done)
		s.cancel()
	}()
}

// Results delivers one result per written item. Consumers must drain
// it; an unread channel is what holds producers back.
func (s *Stream) Results() <-chan ItemResult {
	return s.results
}

// Done closes once End was called and every buffered item settled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns stream statistics.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{
		Written:   s.nextIndex,
		Processed: s.processed,
		Errors:    s.errored,
		InFlight:  s.inFlight,
	}
}

func (s *Stream) dispatch(chunk []streamItem) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		for _, it := range chunk {
			result, err := s.runItem(it.value)
			if err != nil {
				s.logger.Debug("stream item failed",
					zap.String("stream_id", s.id),
					zap.Int("index", it.index),
					zap.Error(err))
			}

			s.mu.Lock()
			s.processed++
			if err != nil {
				s.errored++
			}
			s.inFlight--
			s.mu.Unlock()

			select {
			case s.results <- ItemResult{Index: it.index, Item: it.value, Result: result, Err: err}:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Stream) runItem(item interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.HandlerError{Op: "stream item", Err: panicError(r)}
		}
	}()
	result, err = s.fn(s.ctx, item)
	if err != nil {
		err = engine.HandlerError{Op: "stream item", Err: err}
	}
	return result, err
}
