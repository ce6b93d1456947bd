package graph

import (
	"math/rand"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// WeightSet holds one trainable parameter matrix together with its gradient
// and momentum buffers. A weight set is owned by exactly one layer and is
// mutated only by that layer's backwardWeights and UpdateWeights.
type WeightSet struct {
	W    *tensor.Matrix // parameter values
	Grad *tensor.Matrix // gradient, overwritten every backward pass
	Inc  *tensor.Matrix // momentum-accumulated update
}

// newWeightSet allocates a rows x cols weight set with Gaussian(0, std)
// initial values. std == 0 gives a zero initialization (biases).
func newWeightSet(rows, cols int, std float32, rng *rand.Rand) *WeightSet {
	ws := &WeightSet{
		W:    tensor.NewMatrix(rows, cols),
		Grad: tensor.NewMatrix(rows, cols),
		Inc:  tensor.NewMatrix(rows, cols),
	}
	if std != 0 {
		data := ws.W.Data()
		for i := range data {
			data[i] = std * float32(rng.NormFloat64())
		}
	}
	return ws
}

// Update applies one SGD step with momentum:
//
//	inc = momentum*inc - lr*grad
//	w   = w + inc
func (ws *WeightSet) Update(lr, momentum float32) {
	ws.Inc.Scale(momentum)
	ws.Inc.AddScaled(ws.Grad, -lr)
	ws.W.AddScaled(ws.Inc, 1)
}
