package graph

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// FCLayer is a fully-connected layer: a dense affine map over the
// row-concatenation of its inputs followed by an elementwise neuron.
//
//	acts = neuron(W^T * concat(inputs) + b)
//
// W is numIn x numOut, activations are numOut x numImages. The weight
// gradient is the batch outer product, the activation gradient the
// transposed affine map; both run as blas32 GEMMs.
type FCLayer struct {
	layerBase
	numIn  int
	numOut int
	neuron Neuron

	weights *WeightSet
	biases  *WeightSet

	// concat backs the concatenated input when the layer has multiple
	// predecessors; with one predecessor the input is borrowed directly.
	concat *tensor.Matrix
}

// NewFCLayer creates a fully-connected layer with Gaussian(0, initW)
// weights and zero biases.
func NewFCLayer(name string, numIn, numOut int, neuron Neuron, initW float32, rng *rand.Rand) *FCLayer {
	if numIn <= 0 || numOut <= 0 {
		panic(fmt.Sprintf("graph: fc layer %q has invalid dims %dx%d", name, numIn, numOut))
	}
	if neuron == nil {
		neuron = Identity
	}
	return &FCLayer{
		layerBase: newLayerBase(name, KindFC, true, true),
		numIn:     numIn,
		numOut:    numOut,
		neuron:    neuron,
		weights:   newWeightSet(numIn, numOut, initW, rng),
		biases:    newWeightSet(numOut, 1, 0, rng),
		concat:    tensor.NewMatrix(0, 0),
	}
}

// Weights returns the weight set.
func (l *FCLayer) Weights() *WeightSet { return l.weights }

// Biases returns the bias weight set.
func (l *FCLayer) Biases() *WeightSet { return l.biases }

// general adapts an untransposed matrix to the blas32 view.
func general(m *tensor.Matrix) blas32.General {
	if m.IsTrans() {
		panic("graph: blas view requires an untransposed matrix")
	}
	return blas32.General{
		Rows:   m.Rows(),
		Cols:   m.Cols(),
		Stride: m.Stride(),
		Data:   m.Data(),
	}
}

// gatherInput returns the row-concatenation of the forward inputs in
// predecessor registration order.
func (l *FCLayer) gatherInput(inputs []*tensor.Matrix) *tensor.Matrix {
	if len(inputs) == 0 {
		panic(fmt.Sprintf("graph: fc layer %q has no inputs", l.name))
	}
	if len(inputs) == 1 {
		return inputs[0]
	}
	cols := inputs[0].Cols()
	rows := 0
	for _, in := range inputs {
		if in.Cols() != cols {
			panic(fmt.Sprintf("graph: fc layer %q input batch mismatch: %d vs %d", l.name, in.Cols(), cols))
		}
		rows += in.Rows()
	}
	ensureShape(l.concat, rows, cols)
	off := 0
	for _, in := range inputs {
		for r := 0; r < in.Rows(); r++ {
			for c := 0; c < cols; c++ {
				l.concat.Set(off+r, c, in.At(r, c))
			}
		}
		off += in.Rows()
	}
	return l.concat
}

func (l *FCLayer) forward(inputs []*tensor.Matrix) {
	in := l.gatherInput(inputs)
	if in.Rows() != l.numIn {
		panic(fmt.Sprintf("graph: fc layer %q expects %d input rows, got %d", l.name, l.numIn, in.Rows()))
	}
	numImages := in.Cols()
	ensureShape(l.acts, l.numOut, numImages)

	// acts = W^T * in
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(l.weights.W), general(in), 0, general(l.acts))

	bias := l.biases.W.Data()
	data := l.acts.Data()
	stride := l.acts.Stride()
	for r := 0; r < l.numOut; r++ {
		row := data[r*stride : r*stride+numImages]
		for i := range row {
			row[i] += bias[r]
		}
	}
	l.neuron.Apply(l.acts)
}

func (l *FCLayer) backwardStart() {
	l.neuron.Grad(l.acts, l.actsGrad)
}

func (l *FCLayer) backwardActs(pred Layer, predIdx int, scaleTargets float32) {
	// With multiple predecessors, predecessor predIdx receives the row
	// slice of W corresponding to its position in the concatenation.
	rowOff := 0
	for i := 0; i < predIdx; i++ {
		rowOff += l.inputs[i].Rows()
	}
	rows := l.inputs[predIdx].Rows()

	pg := pred.ActsGrad()
	if scaleTargets == 0 {
		ensureShape(pg, rows, l.actsGrad.Cols())
	}
	w := general(l.weights.W)
	w.Rows = rows
	w.Data = w.Data[rowOff*w.Stride:]
	// predGrad = W_slice * v + scaleTargets*predGrad
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, general(l.actsGrad), scaleTargets, general(pg))
}

func (l *FCLayer) backwardWeights() {
	in := l.gatherInput(l.inputs)
	// Wgrad = in * v^T
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(in), general(l.actsGrad), 0, general(l.weights.Grad))

	v := l.actsGrad.Data()
	stride := l.actsGrad.Stride()
	cols := l.actsGrad.Cols()
	bGrad := l.biases.Grad.Data()
	for r := 0; r < l.numOut; r++ {
		var sum float32
		row := v[r*stride : r*stride+cols]
		for i := range row {
			sum += row[i]
		}
		bGrad[r] = sum
	}
}

// UpdateWeights applies one SGD-with-momentum step to weights and biases.
func (l *FCLayer) UpdateWeights(lr, momentum float32) {
	l.weights.Update(lr, momentum)
	l.biases.Update(lr, momentum)
}
