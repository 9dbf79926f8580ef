package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
	"github.com/cellarworks/vintrack/internal/events"
	"github.com/cellarworks/vintrack/internal/memopt"
)

// Monitored metric names.
const (
	MetricCPU          = "cpu"
	MetricMemory       = "memory"
	MetricResponseTime = "response_time"
	MetricErrorRate    = "error_rate"
)

// IntervalMetrics is one tick's rollup of the recorded activity.
type IntervalMetrics struct {
	Timestamp       time.Time `json:"timestamp"`
	Requests        int64     `json:"requests"`
	Responses       int64     `json:"responses"`
	Errors          int64     `json:"errors"`
	CacheHits       int64     `json:"cache_hits"`
	CacheMisses     int64     `json:"cache_misses"`
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	ErrorRate       float64   `json:"error_rate"`
	CPU             float64   `json:"cpu"`
	Memory          float64   `json:"memory"`
}

// Alert is one threshold breach. Edge-triggered: a metric raises one
// alert per breach and stays quiet until the alert is resolved.
type Alert struct {
	ID           string    `json:"id"`
	Metric       string    `json:"metric"`
	Threshold    float64   `json:"threshold"`
	CurrentValue float64   `json:"current_value"`
	TriggeredAt  time.Time `json:"triggered_at"`
	Resolved     bool      `json:"resolved"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
}

// Summary aggregates activity since startup.
type Summary struct {
	Uptime          time.Duration `json:"uptime_ms"`
	TotalRequests   int64         `json:"total_requests"`
	TotalResponses  int64         `json:"total_responses"`
	TotalErrors     int64         `json:"total_errors"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	AvgResponseTime float64       `json:"avg_response_time_ms"`
	ErrorRate       float64       `json:"error_rate"`
	ActiveAlerts    int           `json:"active_alerts"`
}

type counters struct {
	requests      int64
	responses     int64
	errors        int64
	cacheHits     int64
	cacheMisses   int64
	responseTotal time.Duration
}

// Engine ingests request, response, error and cache activity, rolls
// it up every monitoring interval, and raises threshold alerts.
type Engine struct {
	config *config.MonitorConfig
	logger *zap.Logger
	bus    *events.Bus

	mu      sync.Mutex
	cur     counters
	total   counters
	cpu     float64
	memory  float64
	history *memopt.RingBuffer
	alerts  map[string]*Alert
	started time.Time
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a monitoring engine and starts its rollup loop.
func NewEngine(cfg *config.MonitorConfig, logger *zap.Logger, bus *events.Bus) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultMonitorConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	history, err := memopt.NewRingBuffer(cfg.HistorySize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:  cfg,
		logger:  logger,
		bus:     bus,
		history: history,
		alerts:  make(map[string]*Alert),
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.rollupLoop()
	return e, nil
}

// RecordRequest counts one inbound request.
func (e *Engine) RecordRequest() {
	e.mu.Lock()
	e.cur.requests++
	e.total.requests++
	e.mu.Unlock()
}

// RecordResponse counts one completed response and its latency.
func (e *Engine) RecordResponse(duration time.Duration) {
	e.mu.Lock()
	e.cur.responses++
	e.cur.responseTotal += duration
	e.total.responses++
	e.total.responseTotal += duration
	e.mu.Unlock()
}

// RecordError counts one failure.
func (e *Engine) RecordError() {
	e.mu.Lock()
	e.cur.errors++
	e.total.errors++
	e.mu.Unlock()
}

// RecordCacheOperation counts one cache lookup.
func (e *Engine) RecordCacheOperation(hit bool) {
	e.mu.Lock()
	if hit {
		e.cur.cacheHits++
		e.total.cacheHits++
	} else {
		e.cur.cacheMisses++
		e.total.cacheMisses++
	}
	e.mu.Unlock()
}

// RecordResourceUsage feeds the latest cpu and memory readings, both
// as percentages. The host samples these; the engine only evaluates
// them against thresholds.
func (e *Engine) RecordResourceUsage(cpu, memory float64) {
	e.mu.Lock()
	e.cpu = cpu
	e.memory = memory
	e.mu.Unlock()
}

// CurrentMetrics computes a live view of the current interval without
// waiting for the next tick.
func (e *Engine) CurrentMetrics() IntervalMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return buildMetrics(time.Now(), e.cur, e.cpu, e.memory)
}

// MetricsForRange returns rolled-up intervals within [from, to].
func (e *Engine) MetricsForRange(from, to time.Time) []IntervalMetrics {
	var out []IntervalMetrics
	for _, v := range e.history.Values() {
		m := v.(IntervalMetrics)
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PerformanceSummary aggregates everything recorded since startup.
func (e *Engine) PerformanceSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summary{
		Uptime:         time.Since(e.started),
		TotalRequests:  e.total.requests,
		TotalResponses: e.total.responses,
		TotalErrors:    e.total.errors,
	}
	if e.total.responses > 0 {
		s.AvgResponseTime = float64(e.total.responseTotal.Milliseconds()) / float64(e.total.responses)
	}
	if e.total.requests > 0 {
		s.ErrorRate = float64(e.total.errors) / float64(e.total.requests) * 100
	}
	if lookups := e.total.cacheHits + e.total.cacheMisses; lookups > 0 {
		s.CacheHitRate = float64(e.total.cacheHits) / float64(lookups) * 100
	}
	for _, a := range e.alerts {
		if !a.Resolved {
			s.ActiveAlerts++
		}
	}
	return s
}

// Alerts returns every alert, active and resolved.
func (e *Engine) Alerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	return out
}

// ResolveAlert marks an alert resolved, rearming its metric.
func (e *Engine) ResolveAlert(id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return engine.ErrNotFound("alert", id)
	}
	if a.Resolved {
		e.mu.Unlock()
		return nil
	}
	a.Resolved = true
	a.ResolvedAt = time.Now()
	resolved := *a
	e.mu.Unlock()

	e.logger.Info("alert resolved",
		zap.String("alert_id", resolved.ID),
		zap.String("metric", resolved.Metric))
	e.publishAlert(events.TypeAlertResolved, resolved)
	return nil
}

// Shutdown stops the rollup loop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
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
		return ctx.Err()
	}
}

func (e *Engine) rollupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.rollup(now)
		case <-e.stopCh:
			return
		}
	}
}

// rollup closes the current interval: snapshot, reset, record, and
// evaluate thresholds.
func (e *Engine) rollup(now time.Time) {
	e.mu.Lock()
	m := buildMetrics(now, e.cur, e.cpu, e.memory)
	e.cur = counters{}
	e.mu.Unlock()

	e.history.Push(m)
	recordRollup(m)

	e.evaluate(MetricCPU, m.CPU, e.config.AlertThresholds.CPU)
	e.evaluate(MetricMemory, m.Memory, e.config.AlertThresholds.Memory)
	e.evaluate(MetricResponseTime, m.AvgResponseTime, e.config.AlertThresholds.ResponseTime)
	e.evaluate(MetricErrorRate, m.ErrorRate, e.config.AlertThresholds.ErrorRate)
}

// evaluate raises at most one alert per metric breach. While an
// unresolved alert exists for the metric, further breaches stay
// silent.
func (e *Engine) evaluate(metric string, value, threshold float64) {
	if threshold <= 0 || value <= threshold {
		return
	}

	e.mu.Lock()
	for _, a := range e.alerts {
		if a.Metric == metric && !a.Resolved {
			e.mu.Unlock()
			return
		}
	}
	a := &Alert{
		ID:           uuid.New().String(),
		Metric:       metric,
		Threshold:    threshold,
		CurrentValue: value,
		TriggeredAt:  time.Now(),
	}
	e.alerts[a.ID] = a
	triggered := *a
	e.mu.Unlock()

	e.logger.Warn("alert triggered",
		zap.String("alert_id", triggered.ID),
		zap.String("metric", metric),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold))
	recordAlert(metric)
	e.publishAlert(events.TypeAlertTriggered, triggered)
}

func (e *Engine) publishAlert(eventType string, a Alert) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), events.New(eventType, "monitor", map[string]interface{}{
		"alert_id":  a.ID,
		"metric":    a.Metric,
		"threshold": a.Threshold,
		"value":     a.CurrentValue,
	}))
}

func buildMetrics(now time.Time, c counters, cpu, memory float64) IntervalMetrics {
	m := IntervalMetrics{
		Timestamp:   now,
		Requests:    c.requests,
		Responses:   c.responses,
		Errors:      c.errors,
		CacheHits:   c.cacheHits,
		CacheMisses: c.cacheMisses,
		CPU:         cpu,
		Memory:      memory,
	}
	if c.responses > 0 {
		m.AvgResponseTime = float64(c.responseTotal.Milliseconds()) / float64(c.responses)
	}
	if c.requests > 0 {
		m.ErrorRate = float64(c.errors) / float64(c.requests) * 100
	}
	return m
}
