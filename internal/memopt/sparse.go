package memopt

import (
	"sync"

	"github.com/cellarworks/vintrack/internal/engine"
)

// sparseEntryBytes approximates the per-entry footprint of the
// backing map: packed key, value and bucket overhead.
const sparseEntryBytes = 32

// SparseMatrix stores only nonzero cells of a rows x cols matrix.
// Cells are keyed by the packed integer row<<32|col.
type SparseMatrix struct {
	mu   sync.RWMutex
	rows int
	cols int

	cells map[uint64]float64
}

// NewSparseMatrix creates an empty matrix with the given dimensions.
func NewSparseMatrix(rows, cols int) (*SparseMatrix, error) {
	if rows <= 0 {
		return nil, engine.ErrValidation("rows", "must be positive")
	}
	if cols <= 0 {
		return nil, engine.ErrValidation("cols", "must be positive")
	}
	return &SparseMatrix{
		rows:  rows,
		cols:  cols,
		cells: make(map[uint64]float64),
	}, nil
}

func packKey(row, col int) uint64 {
	return uint64(row)<<32 | uint64(uint32(col))
}

// Set stores a cell value. Setting zero deletes the cell so the map
// holds nonzero entries only.
func (m *SparseMatrix) Set(row, col int, value float64) error {
	if err := m.checkBounds(row, col); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := packKey(row, col)
	if value == 0 {
		delete(m.cells, key)
		return nil
	}
	m.cells[key] = value
	return nil
}

// Get reads a cell. Absent cells read as zero.
func (m *SparseMatrix) Get(row, col int) (float64, error) {
	if err := m.checkBounds(row, col); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cells[packKey(row, col)], nil
}

// Size returns the number of stored cells.
func (m *SparseMatrix) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}

// MemoryUsage approximates the matrix footprint in bytes from the
// stored-cell count.
func (m *SparseMatrix) MemoryUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.cells)) * sparseEntryBytes
}

// Rows returns the row dimension.
func (m *SparseMatrix) Rows() int { return m.rows }

// Cols returns the column dimension.
func (m *SparseMatrix) Cols() int { return m.cols }

func (m *SparseMatrix) checkBounds(row, col int) error {
	if row < 0 || row >= m.rows {
		return engine.ErrValidation("row", "out of range")
	}
	if col < 0 || col >= m.cols {
		return engine.ErrValidation("col", "out of range")
	}
	return nil
}
