package graph

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// TestTrainStep_ConvCost drives the minimal two-layer model through a full
// training step: data -> conv -> logistic cost on a synthetic batch of four
// 5x5 single-channel images with a 3x3 filter and no padding, giving a 3x3
// module grid per filter.
func TestTrainStep_ConvCost(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	n := NewNet(testConfig())
	require.NoError(t, n.Add(NewDataLayer("data", 25)))
	require.NoError(t, n.Add(NewConvLayer("conv", ConvConfig{
		Channels: 1, ImgSize: 5, FilterSize: 3, Padding: 0, Stride: 1,
		NumFilters: 2, SharedBiases: true, InitW: 0.3,
	}, rng), "data"))
	require.NoError(t, n.Add(NewLogregCostLayer("cost", 1), "conv"))

	input := tensor.NewMatrix(25, 4)
	for i := range input.Data() {
		input.Data()[i] = float32(rng.NormFloat64())
	}
	before := input.Clone()
	labels, err := tensor.FromSlice([]float32{0, 5, 11, 17}, 1, 4)
	require.NoError(t, err)
	n.Layer("cost").(*CostLayer).SetLabels(labels)

	data := map[string]*tensor.Matrix{"data": input}
	n.FProp(data)
	n.BProp()

	// 2 filters x 9 modules, 4 images.
	conv := n.Layer("conv")
	assert.Equal(t, 18, conv.Acts().Rows())
	assert.Equal(t, 4, conv.Acts().Cols())

	costBefore := n.Cost()
	assert.Greater(t, costBefore, 0.0)

	// One plain gradient-descent step must reduce the cost on the same
	// batch.
	n.UpdateWeights(0.05, 0)
	n.FProp(data)
	assert.Less(t, n.Cost(), costBefore)

	// Data layers never consume gradients; the input is untouched.
	assert.Zero(t, tensor.MaxAbsDiff(input, before))
	assert.Same(t, input, n.Layer("data").Acts())
}

func TestTrainStep_CostDecreasesOverEpochs(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	n := NewNet(testConfig())
	require.NoError(t, n.Add(NewDataLayer("data", 25)))
	require.NoError(t, n.Add(NewConvLayer("conv", ConvConfig{
		Channels: 1, ImgSize: 5, FilterSize: 3, Padding: 0, Stride: 1,
		NumFilters: 2, SharedBiases: true, InitW: 0.3,
	}, rng), "data"))
	require.NoError(t, n.Add(NewLogregCostLayer("cost", 1), "conv"))

	input := tensor.NewMatrix(25, 4)
	for i := range input.Data() {
		input.Data()[i] = float32(rng.NormFloat64())
	}
	labels, err := tensor.FromSlice([]float32{3, 7, 0, 12}, 1, 4)
	require.NoError(t, err)
	n.Layer("cost").(*CostLayer).SetLabels(labels)
	data := map[string]*tensor.Matrix{"data": input}

	n.FProp(data)
	first := n.Cost()
	for step := 0; step < 20; step++ {
		n.FProp(data)
		n.BProp()
		n.UpdateWeights(0.05, 0.9)
	}
	n.FProp(data)
	assert.Less(t, n.Cost(), 0.9*first)
}
