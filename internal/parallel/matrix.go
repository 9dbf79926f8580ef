package parallel

import (
	"context"

	"github.com/cellarworks/vintrack/internal/engine"
)

// RowFunc transforms one matrix row into its replacement.
type RowFunc func(row []float64) []float64

// MatrixEngine applies numeric transforms to matrix rows across the
// worker pool, one task per row block.
type MatrixEngine struct {
	engine    *Engine
	BlockSize int
}

// NewMatrixEngine creates a matrix engine on top of an existing
// parallel engine.
func NewMatrixEngine(e *Engine, blockSize int) *MatrixEngine {
	if blockSize <= 0 {
		blockSize = 32
	}
	return &MatrixEngine{engine: e, BlockSize: blockSize}
}

// TransformRows applies fn to every row and returns a new matrix with
// rows in their original positions.
func (m *MatrixEngine) TransformRows(ctx context.Context, matrix [][]float64, fn RowFunc) ([][]float64, error) {
	if fn == nil {
		return nil, engine.ErrValidation("transform", "must not be nil")
	}
	if len(matrix) == 0 {
		return nil, nil
	}

	var tasks []Task
	for start := 0; start < len(matrix); start += m.BlockSize {
		end := start + m.BlockSize
		if end > len(matrix) {
			end = len(matrix)
		}
		block := matrix[start:end]
		tasks = append(tasks, NewTask("matrix.block", nil,
			func(ctx context.Context, _ interface{}) (interface{}, error) {
				out := make([][]float64, len(block))
				for i, row := range block {
					out[i] = fn(row)
				}
				return out, nil
			}))
	}

	results, err := m.engine.ExecuteAll(ctx, tasks)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, 0, len(matrix))
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		out = append(out, res.Value.([][]float64)...)
	}
	return out, nil
}

// Scale multiplies every element by factor.
func (m *MatrixEngine) Scale(ctx context.Context, matrix [][]float64, factor float64) ([][]float64, error) {
	return m.TransformRows(ctx, matrix, func(row []float64) []float64 {
		out := make([]float64, len(row))
		for i, v := range row {
			out[i] = v * factor
		}
		return out
	})
}

// Normalize rescales each row to unit max, leaving all-zero rows
// untouched.
func (m *MatrixEngine) Normalize(ctx context.Context, matrix [][]float64) ([][]float64, error) {
	return m.TransformRows(ctx, matrix, func(row []float64) []float64 {
		var max float64
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		out := make([]float64, len(row))
		if max == 0 {
			copy(out, row)
			return out
		}
		for i, v := range row {
			out[i] = v / max
		}
		return out
	})
}
