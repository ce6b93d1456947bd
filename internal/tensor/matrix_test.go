package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMatrix_Packed(t *testing.T) {
	m := NewMatrix(3, 4)
	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 4, m.Cols())
	assert.Equal(t, 4, m.Stride())
	assert.True(t, m.IsContiguous())
	assert.False(t, m.IsTrans())
}

func TestNewMatrixStrided(t *testing.T) {
	m := NewMatrixStrided(3, 4, 6)
	assert.Equal(t, 6, m.Stride())
	assert.False(t, m.IsContiguous())
	m.Set(2, 3, 1.5)
	assert.Equal(t, float32(1.5), m.Data()[2*6+3])

	require.Panics(t, func() { NewMatrixStrided(3, 4, 2) })
}

func TestFromSlice(t *testing.T) {
	m, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, float32(6), m.At(1, 2))

	_, err = FromSlice([]float32{1, 2}, 2, 3)
	require.Error(t, err)
}

func TestTranspose_View(t *testing.T) {
	m := NewMatrix(2, 3)
	m.Set(0, 2, 7)

	tr := m.Transpose()
	assert.True(t, tr.IsTrans())
	assert.Equal(t, 3, tr.Rows())
	assert.Equal(t, 2, tr.Cols())
	assert.Equal(t, float32(7), tr.At(2, 0))

	// Shared storage: writes through the view are visible in the original.
	tr.Set(1, 1, 9)
	assert.Equal(t, float32(9), m.At(1, 1))
}

func TestResize_ReusesCapacity(t *testing.T) {
	m := NewMatrix(4, 4)
	data := &m.Data()[0]
	m.Resize(2, 3)
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())
	assert.Equal(t, 3, m.Stride())
	assert.Same(t, data, &m.Data()[0])

	m.Resize(10, 10)
	assert.Equal(t, 100, len(m.Data()))
}

func TestResize_RestoresLayout(t *testing.T) {
	m := NewMatrixStrided(2, 2, 5).Transpose()
	m.Resize(3, 3)
	assert.False(t, m.IsTrans())
	assert.True(t, m.IsContiguous())
}

func TestCopyFrom_TransposedSource(t *testing.T) {
	src, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)

	dst := NewMatrix(3, 2)
	dst.CopyFrom(src.Transpose())
	assert.Equal(t, float32(2), dst.At(1, 0))
	assert.Equal(t, float32(6), dst.At(2, 1))

	require.Panics(t, func() { dst.CopyFrom(src) })
}

func TestZero_Strided(t *testing.T) {
	m := NewMatrixStrided(2, 2, 4)
	for i := range m.Data() {
		m.Data()[i] = 1
	}
	m.Zero()
	assert.Equal(t, float32(0), m.At(1, 1))
	// Stride gap is not part of the matrix and stays untouched.
	assert.Equal(t, float32(1), m.Data()[2])
}

func TestAddScaled(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	b, _ := FromSlice([]float32{10, 20, 30, 40}, 2, 2)
	a.AddScaled(b, 0.5)
	assert.Equal(t, float32(6), a.At(0, 0))
	assert.Equal(t, float32(24), a.At(1, 1))
}

func TestNorm2(t *testing.T) {
	m, _ := FromSlice([]float32{3, 4}, 1, 2)
	assert.InDelta(t, 5.0, float64(m.Norm2()), 1e-6)
}

func TestAt_Bounds(t *testing.T) {
	m := NewMatrix(2, 2)
	require.Panics(t, func() { m.At(2, 0) })
	require.Panics(t, func() { m.Set(0, -1, 1) })
}
