package memory

import (
	"fmt"

	"github.com/sbl8/dnc/kernels"
)

// Matrix is the N×M memory store, row-major.
type Matrix struct {
	data []float32
	rows int
	cols int
	be   kernels.Backend

	writes uint64
	reads  uint64
}

// NewMatrix allocates a zeroed rows×cols matrix. A nil backend selects
// kernels.Default.
func NewMatrix(rows, cols int, alloc Allocator, be kernels.Backend) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("matrix: invalid shape %dx%d", rows, cols)
	}
	if be == nil {
		be = kernels.Default()
	}
	data, err := allocOrHeap(alloc).Allocate("memory", rows*cols)
	if err != nil {
		return nil, fmt.Errorf("matrix: %w", err)
	}
	return &Matrix{data: data, rows: rows, cols: cols, be: be}, nil
}

// Rows returns N.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns M.
func (m *Matrix) Cols() int { return m.cols }

// Row returns location i. The slice aliases the matrix.
func (m *Matrix) Row(i int) []float32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// Data returns the whole row-major store. The slice aliases the matrix.
func (m *Matrix) Data() []float32 { return m.data }

// Write applies M[i] = M[i]∘(1 - w[i]·erase) + w[i]·vec to every row and
// returns the number of rows touched. Rows whose weight is exactly zero are
// skipped and stay bit-for-bit identical.
func (m *Matrix) Write(weights, erase, vec []float32) int {
	if len(weights) != m.rows {
		panic("matrix: write weights length mismatch")
	}
	touched := 0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		m.be.EraseWrite(m.Row(i), erase, vec, w)
		touched++
	}
	if touched > 0 {
		m.writes++
	}
	return touched
}

// Read computes dst[k] = Σ_i w[i]·M[i][k].
func (m *Matrix) Read(weights, dst []float32) {
	m.be.GemvT(m.data, m.rows, m.cols, weights, dst)
	m.reads++
}

// Counters returns how many writes (touching at least one row) and reads the
// matrix has served.
func (m *Matrix) Counters() (writes, reads uint64) {
	return m.writes, m.reads
}

// SetCounters replaces the write and read counters.
func (m *Matrix) SetCounters(writes, reads uint64) {
	m.writes, m.reads = writes, reads
}

// Load replaces the contents with data, which must hold rows*cols values.
func (m *Matrix) Load(data []float32) error {
	if len(data) != len(m.data) {
		return fmt.Errorf("matrix: load %d values into %dx%d", len(data), m.rows, m.cols)
	}
	copy(m.data, data)
	return nil
}
