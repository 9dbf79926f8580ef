package memopt

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/cellarworks/vintrack/internal/engine"
)

// BloomFilter is a probabilistic membership set. Contains never
// returns false for an added item; false positives occur at a rate
// governed by the bit-array size and hash count.
type BloomFilter struct {
	mu    sync.RWMutex
	bits  []uint64
	m     uint64
	k     int
	count int64
}

// NewBloomFilter creates a filter with size bits and hashCount hash
// functions per item.
func NewBloomFilter(size, hashCount int) (*BloomFilter, error) {
	if size <= 0 {
		return nil, engine.ErrValidation("size", "must be positive")
	}
	if hashCount <= 0 {
		return nil, engine.ErrValidation("hash_count", "must be positive")
	}
	return &BloomFilter{
		bits: make([]uint64, (size+63)/64),
		m:    uint64(size),
		k:    hashCount,
	}, nil
}

// hashPair derives two independent 64-bit hashes; bit positions come
// from double hashing, h1 + i*h2 mod m. h2 is forced odd so the probe
// sequence cycles the whole array.
func (f *BloomFilter) hashPair(item string) (uint64, uint64) {
	h1 := xxhash.Sum64String(item)
	var d xxhash.Digest
	d.Reset()
	d.WriteString(item)
	d.WriteString("\x00bloom")
	h2 := d.Sum64() | 1
	return h1, h2
}

// Add inserts an item.
func (f *BloomFilter) Add(item string) {
	h1, h2 := f.hashPair(item)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains tests membership. False means definitely absent.
func (f *BloomFilter) Contains(item string) bool {
	h1, h2 := f.hashPair(item)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns how many items were added.
func (f *BloomFilter) Count() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFalsePositiveRate computes the expected false-positive
// probability for the current fill.
func (f *BloomFilter) EstimatedFalsePositiveRate() float64 {
	f.mu.RLock()
	n := float64(f.count)
	f.mu.RUnlock()

	k := float64(f.k)
	m := float64(f.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
