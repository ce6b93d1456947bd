package graph

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convnet-ml/convnet/internal/tensor"
)

func TestCrossMapNorm_ForwardKnownValues(t *testing.T) {
	// 3 channels, 1x1 image, alpha = scale/size = 0.5. The edge channels
	// see clamped windows: channel 0 sums squares over {0,1}, channel 1
	// over {0,1,2}, channel 2 over {1,2}.
	l := NewCrossMapNormLayer("norm", NormConfig{
		Channels: 3, ImgSize: 1, Size: 3, Scale: 1.5, Pow: 0.75,
	})
	attachNet(l)

	in, err := tensor.FromSlice([]float32{1, 2, 3}, 3, 1)
	require.NoError(t, err)
	l.forward([]*tensor.Matrix{in})

	// denoms: 1+0.5*5 = 3.5, 1+0.5*14 = 8, 1+0.5*13 = 7.5
	assert.InDelta(t, 1*math.Pow(3.5, -0.75), float64(l.Acts().At(0, 0)), 1e-5)
	assert.InDelta(t, 2*math.Pow(8, -0.75), float64(l.Acts().At(1, 0)), 1e-5)
	assert.InDelta(t, 3*math.Pow(7.5, -0.75), float64(l.Acts().At(2, 0)), 1e-5)
}

func TestCrossMapNorm_WindowClamping(t *testing.T) {
	// Edge channels see truncated neighborhoods.
	l := NewCrossMapNormLayer("norm", NormConfig{
		Channels: 4, ImgSize: 1, Size: 3, Scale: 3, Pow: 1,
	})
	attachNet(l)

	in, err := tensor.FromSlice([]float32{1, 1, 1, 1}, 4, 1)
	require.NoError(t, err)
	l.forward([]*tensor.Matrix{in})

	// Channel 0's window is [0-1, 2) clamped to {0, 1}: denom = 1 + 1*2 = 3.
	// Channel 1 sees {0, 1, 2}: denom = 4.
	assert.InDelta(t, 1.0/3, float64(l.Acts().At(0, 0)), 1e-6)
	assert.InDelta(t, 1.0/4, float64(l.Acts().At(1, 0)), 1e-6)
	assert.InDelta(t, 1.0/4, float64(l.Acts().At(2, 0)), 1e-6)
	assert.InDelta(t, 1.0/3, float64(l.Acts().At(3, 0)), 1e-6)
}

func TestCrossMapNorm_IdentityWhenScaleZero(t *testing.T) {
	l := NewCrossMapNormLayer("norm", NormConfig{
		Channels: 2, ImgSize: 2, Size: 2, Scale: 0, Pow: 1,
	})
	attachNet(l)

	in, err := tensor.FromSlice([]float32{1, -2, 3, -4, 5, -6, 7, -8}, 8, 1)
	require.NoError(t, err)
	l.forward([]*tensor.Matrix{in})
	for r := 0; r < 8; r++ {
		assert.InDelta(t, in.At(r, 0), l.Acts().At(r, 0), 1e-6)
	}
}

func TestCrossMapNorm_BackwardMatchesNumeric(t *testing.T) {
	cfg := NormConfig{Channels: 5, ImgSize: 2, Size: 3, Scale: 0.5, Pow: 0.75}
	l := NewCrossMapNormLayer("norm", cfg)
	attachNet(l)

	rng := rand.New(rand.NewSource(7))
	rows := cfg.Channels * cfg.ImgSize * cfg.ImgSize
	in := tensor.NewMatrix(rows, 2)
	for i := range in.Data() {
		in.Data()[i] = float32(rng.NormFloat64())
	}
	// Random projection weights define a scalar loss sum(w * out).
	w := make([]float32, rows*2)
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	loss := func(input *tensor.Matrix) float64 {
		l.forward([]*tensor.Matrix{input})
		var s float64
		for r := 0; r < rows; r++ {
			for c := 0; c < 2; c++ {
				s += float64(w[r*2+c]) * float64(l.Acts().At(r, c))
			}
		}
		return s
	}

	// Analytic gradient of the projected loss.
	loss(in)
	l.inputs = []*tensor.Matrix{in}
	fill(t, l.actsGrad, rows, 2, w)
	pred := newSpy("pred", &[]string{})
	l.backwardActs(pred, 0, 0)
	pg := pred.ActsGrad()

	const eps = 1e-2
	for _, probe := range [][2]int{{0, 0}, {3, 1}, {7, 0}, {12, 1}, {19, 0}} {
		r, c := probe[0], probe[1]
		orig := in.At(r, c)
		in.Set(r, c, orig+eps)
		up := loss(in)
		in.Set(r, c, orig-eps)
		down := loss(in)
		in.Set(r, c, orig)
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, float64(pg.At(r, c)), 5e-3, "element (%d,%d)", r, c)
	}
}
