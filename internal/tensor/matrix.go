// Package tensor provides the dense 2-D matrix type used throughout the
// convnet core.
//
// A Matrix is a single-precision row-major buffer with an explicit leading
// dimension (stride), a transposed-view flag, and a contiguity flag. Kernels
// borrow matrices by reference; the layer or caller that allocated a matrix
// owns it. A non-contiguous matrix may only be read through explicit stride
// arithmetic, never assumed packed.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a 2-D float32 buffer with an explicit row stride.
//
// For an untransposed matrix, element (r, c) lives at data[r*stride + c],
// with the invariant stride >= cols. A transposed matrix is a zero-copy view
// that swaps the roles of rows and columns; the underlying layout is
// unchanged.
//
// Example:
//
//	m := tensor.NewMatrix(3, 4)
//	m.Set(1, 2, 0.5)
//	v := m.Transpose().At(2, 1) // 0.5, no copy
type Matrix struct {
	rows   int
	cols   int
	stride int
	trans  bool
	data   []float32
}

// NewMatrix allocates a packed rows x cols matrix (stride == cols).
func NewMatrix(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		stride: cols,
		data:   make([]float32, rows*cols),
	}
}

// NewMatrixStrided allocates a rows x cols matrix with the given leading
// dimension. Panics if stride < cols.
func NewMatrixStrided(rows, cols, stride int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	if stride < cols {
		panic(fmt.Sprintf("tensor: stride %d < cols %d", stride, cols))
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		stride: stride,
		data:   make([]float32, rows*stride),
	}
}

// FromSlice creates a packed matrix backed by a copy of data.
func FromSlice(data []float32, rows, cols int) (*Matrix, error) {
	if rows*cols != len(data) {
		return nil, fmt.Errorf("tensor: shape %dx%d requires %d elements, got %d", rows, cols, rows*cols, len(data))
	}
	m := NewMatrix(rows, cols)
	copy(m.data, data)
	return m, nil
}

// Rows returns the logical row count (after any transpose view).
func (m *Matrix) Rows() int {
	if m.trans {
		return m.cols
	}
	return m.rows
}

// Cols returns the logical column count (after any transpose view).
func (m *Matrix) Cols() int {
	if m.trans {
		return m.rows
	}
	return m.cols
}

// Stride returns the leading dimension of the underlying storage.
func (m *Matrix) Stride() int {
	return m.stride
}

// IsTrans reports whether this matrix is a transposed view.
func (m *Matrix) IsTrans() bool {
	return m.trans
}

// IsContiguous reports whether the storage is packed (no row gaps).
func (m *Matrix) IsContiguous() bool {
	return m.stride == m.cols || m.rows <= 1
}

// NumElements returns the number of logical elements.
func (m *Matrix) NumElements() int {
	return m.rows * m.cols
}

// Data returns the raw backing slice, including any stride gaps.
//
// WARNING: writes through the returned slice mutate the matrix.
func (m *Matrix) Data() []float32 {
	return m.data
}

// At returns element (r, c) in the logical (possibly transposed) view.
func (m *Matrix) At(r, c int) float32 {
	if m.trans {
		r, c = c, r
	}
	if r < 0 || r >= m.rows || c < 0 || c >= m.cols {
		panic(fmt.Sprintf("tensor: index (%d,%d) out of bounds for %dx%d", r, c, m.rows, m.cols))
	}
	return m.data[r*m.stride+c]
}

// Set assigns element (r, c) in the logical (possibly transposed) view.
func (m *Matrix) Set(r, c int, v float32) {
	if m.trans {
		r, c = c, r
	}
	if r < 0 || r >= m.rows || c < 0 || c >= m.cols {
		panic(fmt.Sprintf("tensor: index (%d,%d) out of bounds for %dx%d", r, c, m.rows, m.cols))
	}
	m.data[r*m.stride+c] = v
}

// Transpose returns a zero-copy transposed view sharing the same storage.
func (m *Matrix) Transpose() *Matrix {
	return &Matrix{
		rows:   m.rows,
		cols:   m.cols,
		stride: m.stride,
		trans:  !m.trans,
		data:   m.data,
	}
}

// Resize reshapes the matrix to rows x cols, reallocating only when the
// current backing store is too small. Contents after a resize are
// unspecified; resizing always restores a packed, untransposed layout.
func (m *Matrix) Resize(rows, cols int) {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: invalid resize to %dx%d", rows, cols))
	}
	need := rows * cols
	if cap(m.data) < need {
		m.data = make([]float32, need)
	} else {
		m.data = m.data[:need]
	}
	m.rows = rows
	m.cols = cols
	m.stride = cols
	m.trans = false
}

// SameShape reports whether other has the same logical shape.
func (m *Matrix) SameShape(other *Matrix) bool {
	return m.Rows() == other.Rows() && m.Cols() == other.Cols()
}

// CopyFrom copies the logical contents of src into m. Shapes must match.
func (m *Matrix) CopyFrom(src *Matrix) {
	if !m.SameShape(src) {
		panic(fmt.Sprintf("tensor: copy shape mismatch %dx%d vs %dx%d", m.Rows(), m.Cols(), src.Rows(), src.Cols()))
	}
	if !m.trans && !src.trans && m.IsContiguous() && src.IsContiguous() {
		copy(m.data[:m.rows*m.cols], src.data[:src.rows*src.cols])
		return
	}
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			m.Set(r, c, src.At(r, c))
		}
	}
}

// Clone returns a packed, untransposed deep copy of the logical contents.
func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.Rows(), m.Cols())
	out.CopyFrom(m)
	return out
}

// Zero fills the logical contents with zeros.
func (m *Matrix) Zero() {
	if !m.trans && m.IsContiguous() {
		clear(m.data[:m.rows*m.cols])
		return
	}
	for r := 0; r < m.rows; r++ {
		clear(m.data[r*m.stride : r*m.stride+m.cols])
	}
}

// Scale multiplies every element by alpha in place.
func (m *Matrix) Scale(alpha float32) {
	for r := 0; r < m.rows; r++ {
		row := m.data[r*m.stride : r*m.stride+m.cols]
		blas32.Scal(alpha, blas32.Vector{N: len(row), Inc: 1, Data: row})
	}
}

// AddScaled accumulates alpha*src into m (axpy). Shapes and orientation must
// match; both matrices must be untransposed.
func (m *Matrix) AddScaled(src *Matrix, alpha float32) {
	if m.trans || src.trans {
		panic("tensor: AddScaled requires untransposed operands")
	}
	if m.rows != src.rows || m.cols != src.cols {
		panic(fmt.Sprintf("tensor: axpy shape mismatch %dx%d vs %dx%d", m.rows, m.cols, src.rows, src.cols))
	}
	for r := 0; r < m.rows; r++ {
		dst := m.data[r*m.stride : r*m.stride+m.cols]
		s := src.data[r*src.stride : r*src.stride+src.cols]
		blas32.Axpy(alpha,
			blas32.Vector{N: len(s), Inc: 1, Data: s},
			blas32.Vector{N: len(dst), Inc: 1, Data: dst})
	}
}

// Norm2 returns the Euclidean norm of the logical contents.
func (m *Matrix) Norm2() float32 {
	var sum float32
	for r := 0; r < m.rows; r++ {
		row := m.data[r*m.stride : r*m.stride+m.cols]
		n := blas32.Nrm2(blas32.Vector{N: len(row), Inc: 1, Data: row})
		sum += n * n
	}
	return sqrt32(sum)
}

// String returns a short human-readable description.
func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix %dx%d (stride=%d, trans=%v)", m.Rows(), m.Cols(), m.stride, m.trans)
}
