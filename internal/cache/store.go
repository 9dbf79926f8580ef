package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellarworks/vintrack/internal/config"
)

// Store is the pluggable backing store for the distributed cache. A
// node-local implementation is provided; a cross-node implementation
// supplies its own transport and replication. Writes observed through
// the same Store instance are immediately readable (read-your-writes
// per node); no cross-node invalidation is implied.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// MemoryStore is an in-process Store bounded by entry count with LRU
// eviction.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lruList  *list.List
}

// NewMemoryStore creates a memory store with the given capacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves an entry.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return nil, false, nil
	}
	s.lruList.MoveToFront(elem)
	return elem.Value.(*Entry), true, nil
}

// Set stores an entry, evicting the LRU entry at capacity.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.lruList.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	if s.lruList.Len() >= s.capacity {
		if back := s.lruList.Back(); back != nil {
			s.lruList.Remove(back)
			delete(s.items, back.Value.(*Entry).Key)
		}
	}

	s.items[key] = s.lruList.PushFront(entry)
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.lruList.Remove(elem)
		delete(s.items, key)
	}
	return nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lruList = list.New()
	return nil
}

// Len returns the entry count.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len(), nil
}

// Distributed preserves the Manager contract over a pluggable Store.
type Distributed struct {
	config *config.CacheConfig
	logger *zap.Logger
	store  Store

	mu        sync.Mutex
	hits      int64
	misses    int64
	expired   int64
	storeErrs int64
}

// NewDistributed creates a distributed cache over the given store. A
// nil store gets a node-local MemoryStore sized from the config.
func NewDistributed(cfg *config.CacheConfig, logger *zap.Logger, store Store) (*Distributed, error) {
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
	if store == nil {
		store = NewMemoryStore(cfg.MaxSize)
	}

	return &Distributed{
		config: cfg,
		logger: logger,
		store:  store,
	}, nil
}

// Set stores a value through the backing store.
func (d *Distributed) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	now := time.Now()

	var expiresAt time.Time
	switch {
	case ttl == NoTTL || (ttl == 0 && d.config.DefaultTTL <= 0):
	case ttl == 0:
		expiresAt = now.Add(d.config.DefaultTTL)
	default:
		expiresAt = now.Add(ttl)
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		LastAccessed: now,
		SizeEstimate: estimateSize(value),
	}
	return d.store.Set(ctx, key, entry)
}

// Get retrieves a value, removing it lazily when expired. Store errors
// are logged and surface as misses so reads never fail a caller.
func (d *Distributed) Get(ctx context.Context, key string) (interface{}, bool) {
	entry, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.countStoreErr()
		d.logger.Warn("cache store read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		d.countMiss()
		return nil, false
	}
	if entry.expired(time.Now()) {
		_ = d.store.Delete(ctx, key)
		d.mu.Lock()
		d.expired++
		d.misses++
		d.mu.Unlock()
		return nil, false
	}

	entry.LastAccessed = time.Now()
	d.countHit()
	return entry.Value, true
}

// Has reports whether a live entry exists.
func (d *Distributed) Has(ctx context.Context, key string) bool {
	entry, ok, err := d.store.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if entry.expired(time.Now()) {
		_ = d.store.Delete(ctx, key)
		return false
	}
	return true
}

// Delete removes an entry.
func (d *Distributed) Delete(ctx context.Context, key string) error {
	return d.store.Delete(ctx, key)
}

// SetMany stores multiple values with a shared ttl.
func (d *Distributed) SetMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	for k, v := range values {
		if err := d.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// GetMany retrieves multiple keys, reporting absences in missing.
func (d *Distributed) GetMany(ctx context.Context, keys []string) (results map[string]interface{}, missing []string) {
	results = make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := d.Get(ctx, k); ok {
			results[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return results, missing
}

// Clear removes all entries.
func (d *Distributed) Clear(ctx context.Context) error {
	return d.store.Clear(ctx)
}

// Stats returns current statistics.
func (d *Distributed) Stats(ctx context.Context) *Stats {
	items, err := d.store.Len(ctx)
	if err != nil {
		d.countStoreErr()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return &Stats{
		Items:   items,
		MaxSize: d.config.MaxSize,
		Hits:    d.hits,
		Misses:  d.misses,
		Expired: d.expired,
	}
}

// Shutdown is a no-op for the node-local view; the store owns its own
// lifecycle.
func (d *Distributed) Shutdown(ctx context.Context) error {
	return nil
}

func (d *Distributed) countHit() {
	d.mu.Lock()
	d.hits++
	d.mu.Unlock()
}

func (d *Distributed) countMiss() {
	d.mu.Lock()
	d.misses++
	d.mu.Unlock()
}

func (d *Distributed) countStoreErr() {
	d.mu.Lock()
	d.storeErrs++
	d.mu.Unlock()
}
