package parallel

import (
	"context"
	"math"
	"sort"
)

const pairBatchSize = 64

// Similarity is one scored entity pair.
type Similarity struct {
	A     string
	B     string
	Score float64
}

type entityPair struct {
	a string
	b string
}

// SimilarityEngine computes pairwise Pearson correlation across the
// worker pool. Entity pairs are partitioned into batches and each
// batch runs as one task; pairs scoring below MinSimilarity are
// pruned from the output.
type SimilarityEngine struct {
	engine        *Engine
	MinSimilarity float64
}

// NewSimilarityEngine creates a similarity engine on top of an
// existing parallel engine.
func NewSimilarityEngine(e *Engine, minSimilarity float64) *SimilarityEngine {
	return &SimilarityEngine{engine: e, MinSimilarity: minSimilarity}
}

// PairwiseSimilarities scores every entity pair from the given rating
// vectors. Each vector maps item ids to ratings; correlation is taken
// over the items both entities rated. Output order follows the sorted
// pair order, so results are deterministic.
func (s *SimilarityEngine) PairwiseSimilarities(ctx context.Context, ratings map[string]map[string]float64) ([]Similarity, error) {
	pairs := buildPairs(ratings)
	if len(pairs) == 0 {
		return nil, nil
	}

	var tasks []Task
	for start := 0; start < len(pairs); start += pairBatchSize {
		end := start + pairBatchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]
		tasks = append(tasks, NewTask("similarity.batch", nil,
			func(ctx context.Context, _ interface{}) (interface{}, error) {
				return s.scoreBatch(batch, ratings), nil
			}))
	}

	results, err := s.engine.ExecuteAll(ctx, tasks)
	if err != nil {
		return nil, err
	}

	var out []Similarity
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		out = append(out, res.Value.([]Similarity)...)
	}
	return out, nil
}

func (s *SimilarityEngine) scoreBatch(batch []entityPair, ratings map[string]map[string]float64) []Similarity {
	var scored []Similarity
	for _, p := range batch {
		score := pearson(ratings[p.a], ratings[p.b])
		if score >= s.MinSimilarity {
			scored = append(scored, Similarity{A: p.a, B: p.b, Score: score})
		}
	}
	return scored
}

// buildPairs lists every unordered entity pair in sorted order.
func buildPairs(ratings map[string]map[string]float64) []entityPair {
	entities := make([]string, 0, len(ratings))
	for id := range ratings {
		entities = append(entities, id)
	}
	sort.Strings(entities)

	var pairs []entityPair
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			pairs = append(pairs, entityPair{a: entities[i], b: entities[j]})
		}
	}
	return pairs
}

// pearson computes the Pearson correlation over the items both
// vectors rate. Fewer than two common items, or zero variance on
// either side, scores 0.
func pearson(a, b map[string]float64) float64 {
	var common []string
	for item := range a {
		if _, ok := b[item]; ok {
			common = append(common, item)
		}
	}
	n := float64(len(common))
	if n < 2 {
		return 0
	}

	var sumA, sumB float64
	for _, item := range common {
		sumA += a[item]
		sumB += b[item]
	}
	meanA, meanB := sumA/n, sumB/n

	var cov, varA, varB float64
	for _, item := range common {
		da, db := a[item]-meanA, b[item]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
