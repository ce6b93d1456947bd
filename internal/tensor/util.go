package tensor

import "math"

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// MaxAbsDiff returns the largest absolute elementwise difference between two
// matrices of the same logical shape. Test and gradient-check helper.
func MaxAbsDiff(a, b *Matrix) float32 {
	if !a.SameShape(b) {
		panic("tensor: MaxAbsDiff shape mismatch")
	}
	var m float32
	for r := 0; r < a.Rows(); r++ {
		for c := 0; c < a.Cols(); c++ {
			d := a.At(r, c) - b.At(r, c)
			if d < 0 {
				d = -d
			}
			if d > m {
				m = d
			}
		}
	}
	return m
}
