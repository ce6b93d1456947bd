package graph

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// DataLayer feeds externally supplied input matrices into the graph. It has
// zero predecessors, passes its input through unchanged, and is never a
// gradient consumer: backward traffic terminates here.
type DataLayer struct {
	layerBase
	dim   int // expected input rows, 0 disables the check
	input *tensor.Matrix
}

// NewDataLayer creates a data layer. dim, when non-zero, is the required
// row count of every batch fed through this layer.
func NewDataLayer(name string, dim int) *DataLayer {
	return &DataLayer{
		layerBase: newLayerBase(name, KindData, false, false),
		dim:       dim,
	}
}

func (d *DataLayer) setInput(m *tensor.Matrix) {
	if d.dim != 0 && m.Rows() != d.dim {
		panic(fmt.Sprintf("graph: data layer %q expects %d rows, got %d", d.name, d.dim, m.Rows()))
	}
	d.input = m
}

func (d *DataLayer) forward(inputs []*tensor.Matrix) {
	if len(inputs) != 0 {
		panic(fmt.Sprintf("graph: data layer %q received %d inputs", d.name, len(inputs)))
	}
	if d.input == nil {
		panic(fmt.Sprintf("graph: data layer %q has no input", d.name))
	}
	// Pass-through: the caller owns the input matrix, so borrow it rather
	// than copying a batch per step.
	d.acts = d.input
}

func (d *DataLayer) backwardActs(Layer, int, float32) {
	panic(fmt.Sprintf("graph: data layer %q cannot produce gradients", d.name))
}
