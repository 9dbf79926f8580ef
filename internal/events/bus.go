// Package events provides the substrate's observer channel. Engines
// publish lifecycle and alert events; the surrounding application
// subscribes and consumes them via channel receive or polling.
package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published by the substrate engines.
const (
	TypeJobQueued      = "job.queued"
	TypeJobStarted     = "job.started"
	TypeJobRetried     = "job.retried"
	TypeJobSucceeded   = "job.succeeded"
	TypeJobFailed      = "job.failed"
	TypeJobCancelled   = "job.cancelled"
	TypeBatchStarted   = "batch.started"
	TypeBatchCompleted = "batch.completed"
	TypeBatchFailed    = "batch.failed"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
	TypeAlertTriggered = "alert.triggered"
	TypeAlertResolved  = "alert.resolved"
	TypeMemoryExceeded = "memory.limit_exceeded"
	TypeCacheEviction  = "cache.eviction"
)

// Event is something that happened inside the substrate.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with an assigned id and timestamp.
func New(eventType, source string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscription receives events matching a pattern. Each subscriber has
// its own buffer; a full buffer drops the event rather than blocking
// the publisher.
type Subscription struct {
	id      string
	pattern string
	ch      chan Event
	closeCh chan struct{}
	closed  bool
	mu      sync.Mutex
}

// Receive blocks for the next event.
func (s *Subscription) Receive(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrSubscriptionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-s.closeCh:
		// Drain anything already buffered before reporting closure.
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return Event{}, ErrSubscriptionClosed
			}
			return ev, nil
		default:
			return Event{}, ErrSubscriptionClosed
		}
	}
}

// Events exposes the subscription's channel for select and range
// loops. The channel closes once the subscription detaches from the
// bus, after any buffered events are received.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
}

// ErrSubscriptionClosed indicates the subscription was closed.
var ErrSubscriptionClosed = &busError{msg: "subscription closed"}

type busError struct {
	msg string
}

func (e *busError) Error() string { return e.msg }

// BusStats contains bus statistics.
type BusStats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Bus is an in-memory event bus with pattern subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *zap.Logger

	bufferSize int
	published  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[string]*Subscription),
		logger:     logger,
		bufferSize: 256,
	}
}

// Publish delivers an event to all matching subscriptions.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range b.subs {
		if !matches(ev.Type, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- ev:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				zap.String("type", ev.Type),
				zap.String("pattern", sub.pattern))
		}
	}
}

// Subscribe registers for events matching pattern. Patterns are exact
// types, a "prefix.*" wildcard, or "*" for everything.
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		ch:      make(chan Event, b.bufferSize),
		closeCh: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-sub.closeCh
		b.mu.Lock()
		delete(b.subs, sub.id)
		// Publish sends only under RLock, so once the sub is out of
		// the map and this lock is released nobody can send anymore.
		// Closing the channel lets range consumers terminate after
		// draining the buffer.
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub
}

// Stats returns bus statistics.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(b.subs),
	}
}

// Close detaches all subscriptions.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}

func matches(eventType, pattern string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
