package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vintrack_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vintrack_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vintrack_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
	)
)

func (m *Manager) recordHit() {
	if m.config.EnableMetrics {
		cacheHits.Inc()
	}
}

func (m *Manager) recordMiss() {
	if m.config.EnableMetrics {
		cacheMisses.Inc()
	}
}

func (m *Manager) recordEviction() {
	if m.config.EnableMetrics {
		cacheEvictions.Inc()
	}
}
