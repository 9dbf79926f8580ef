// Package cache implements the substrate's key/value cache: TTL plus
// LRU eviction, batch operations, and hit/miss accounting. A
// distributed variant in store.go preserves the same contract over a
// pluggable backing store.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/events"
)

// NoTTL marks an entry that never expires regardless of DefaultTTL.
const NoTTL = -1 * time.Nanosecond

// Entry is a single cached value with its bookkeeping.
type Entry struct {
	Key          string
	Value        interface{}
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means no expiry
	LastAccessed time.Time
	SizeEstimate int64
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

// HitRate calculates the cache hit rate.
func (s *Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Manager is a bounded key/value cache with TTL and LRU eviction.
// Overflow evicts the least-recently-accessed entry; entries that were
// never read age out in insertion order.
type Manager struct {
	mu      sync.Mutex
	config  *config.CacheConfig
	logger  *zap.Logger
	bus     *events.Bus
	items   map[string]*list.Element
	lruList *list.List // front = most recently used
	stopCh  chan struct{}
	stopped bool

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// NewManager creates a cache manager. The bus is optional; when set,
// evictions are published on it.
func NewManager(cfg *config.CacheConfig, logger *zap.Logger, bus *events.Bus) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultCacheConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:  cfg,
		logger:  logger,
		bus:     bus,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		stopCh:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}

	return m, nil
}

// Set stores a value. A zero ttl uses the configured default; NoTTL
// stores the value without expiry. At capacity, the LRU entry is
// evicted first.
func (m *Manager) Set(key string, value interface{}, ttl time.Duration) {
	now := time.Now()

	var expiresAt time.Time
	switch {
	case ttl == NoTTL || (ttl == 0 && m.config.DefaultTTL <= 0):
		// no expiry
	case ttl == 0:
		expiresAt = now.Add(m.config.DefaultTTL)
	default:
		expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists {
		m.lruList.MoveToFront(elem)
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.ExpiresAt = expiresAt
		entry.LastAccessed = now
		entry.SizeEstimate = estimateSize(value)
		return
	}

	if m.lruList.Len() >= m.config.MaxSize {
		m.evictOldest()
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		LastAccessed: now,
		SizeEstimate: estimateSize(value),
	}
	m.items[key] = m.lruList.PushFront(entry)
}

// Get retrieves a value. Expired entries are removed and reported as
// misses; a normal miss never returns an error.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.items[key]
	if !exists {
		m.misses++
		m.recordMiss()
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.expired(time.Now()) {
		m.removeElement(elem)
		m.expired++
		m.misses++
		m.recordMiss()
		return nil, false
	}

	m.lruList.MoveToFront(elem)
	entry.LastAccessed = time.Now()
	m.hits++
	m.recordHit()
	return entry.Value, true
}

// Has reports whether a live entry exists without refreshing recency.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.items[key]
	if !exists {
		return false
	}
	if elem.Value.(*Entry).expired(time.Now()) {
		m.removeElement(elem)
		m.expired++
		return false
	}
	return true
}

// Delete removes an entry. Deleting an absent key is a no-op.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists {
		m.removeElement(elem)
	}
}

// SetMany stores multiple values with a shared ttl.
func (m *Manager) SetMany(values map[string]interface{}, ttl time.Duration) {
	for k, v := range values {
		m.Set(k, v, ttl)
	}
}

// GetMany retrieves multiple keys, reporting absent or expired keys in
// missing rather than failing the batch.
func (m *Manager) GetMany(keys []string) (results map[string]interface{}, missing []string) {
	results = make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := m.Get(k); ok {
			results[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return results, missing
}

// Clear removes all entries. Counters are preserved.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.lruList = list.New()
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lruList.Len()
}

// Stats returns current cache statistics.
func (m *Manager) Stats() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &Stats{
		Items:     m.lruList.Len(),
		MaxSize:   m.config.MaxSize,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Expired:   m.expired,
	}
}

// Shutdown stops the sweep loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	return nil
}

// evictOldest removes the least recently used entry. Callers hold m.mu.
func (m *Manager) evictOldest() {
	elem := m.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*Entry)
	m.removeElement(elem)
	m.evictions++
	m.recordEviction()

	if m.bus != nil {
		m.bus.Publish(context.Background(), events.New(events.TypeCacheEviction, "cache", map[string]interface{}{
			"key": entry.Key,
		}))
	}
}

func (m *Manager) removeElement(elem *list.Element) {
	m.lruList.Remove(elem)
	delete(m.items, elem.Value.(*Entry).Key)
}

// sweepLoop periodically removes expired entries so they do not linger
// until the next Get.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var next *list.Element
	for elem := m.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		if elem.Value.(*Entry).expired(now) {
			m.removeElement(elem)
			m.expired++
		}
	}
}

// estimateSize approximates the memory footprint of a value.
func estimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	default:
		return 8
	}
}
