// Package graph implements the layer computation graph: a DAG of
// heterogeneous layers driven through counter-gated forward and backward
// propagation with exactly-once semantics and gradient accumulation at
// fan-in points.
//
// Layers are owned by a Net and addressed by index; a layer's predecessor
// and successor lists are index lists into the net's arena. Activation and
// gradient matrices are single-writer (the owning layer) multi-reader
// between resets, so the traversal order alone serializes all access.
package graph

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// Kind identifies a concrete layer type. The set is closed.
type Kind string

// Layer kinds.
const (
	KindData   Kind = "data"
	KindFC     Kind = "fc"
	KindConv   Kind = "conv"
	KindPool   Kind = "pool"
	KindCMNorm Kind = "cmnorm"
	KindCost   Kind = "cost.logreg"
)

// Layer is a node in the computation graph. All concrete layers embed
// layerBase for the propagation protocol; the per-kind behavior is the
// forward/backward capability set below. Only weight-owning kinds implement
// backwardWeights and UpdateWeights meaningfully; the rest inherit no-ops.
type Layer interface {
	Name() string
	Kind() Kind

	// Acts returns the layer's activation matrix (valid after forward).
	Acts() *tensor.Matrix
	// ActsGrad returns the accumulated incoming activation gradient
	// (valid during backward, for gradient consumers only).
	ActsGrad() *tensor.Matrix

	// IsGradConsumer reports whether this layer receives activation
	// gradients from its successors.
	IsGradConsumer() bool
	// IsGradProducer reports whether this layer emits activation gradients
	// to its predecessors.
	IsGradProducer() bool

	// UpdateWeights applies one optimizer step to owned parameters.
	UpdateWeights(lr, momentum float32)

	base() *layerBase

	// forward computes this layer's activations from its predecessors'
	// activation matrices, in predecessor registration order.
	forward(inputs []*tensor.Matrix)
	// backwardStart runs once per backward pass before any gradient is
	// emitted; weight-owning layers fold their neuron derivative into the
	// incoming gradient here.
	backwardStart()
	// backwardActs emits this layer's activation gradient to predecessor
	// pred (the predIdx'th input). scaleTargets is 0 for the first writer
	// of pred's gradient buffer and 1 for accumulation.
	backwardActs(pred Layer, predIdx int, scaleTargets float32)
	// backwardWeights computes parameter gradients from cached forward
	// inputs and the incoming activation gradient.
	backwardWeights()
	// postBackward runs after this layer's backward work is complete.
	postBackward()
}

// layerBase carries the graph protocol state shared by every layer kind.
type layerBase struct {
	net  *Net
	name string
	kind Kind
	idx  int

	preds []int
	succs []int

	acts     *tensor.Matrix
	actsGrad *tensor.Matrix

	gradConsumer bool
	gradProducer bool

	// inputs are the predecessor activation matrices captured at forward
	// time; backwardWeights reads them.
	inputs []*tensor.Matrix

	numFwdReceived   int
	numBwdReceived   int
	numGradProducers int // gradient-producing successors

	fpropped bool
	bpropped bool
}

func newLayerBase(name string, kind Kind, gradConsumer, gradProducer bool) layerBase {
	return layerBase{
		name:         name,
		kind:         kind,
		acts:         tensor.NewMatrix(0, 0),
		actsGrad:     tensor.NewMatrix(0, 0),
		gradConsumer: gradConsumer,
		gradProducer: gradProducer,
	}
}

func (b *layerBase) Name() string             { return b.name }
func (b *layerBase) Kind() Kind               { return b.kind }
func (b *layerBase) Acts() *tensor.Matrix     { return b.acts }
func (b *layerBase) ActsGrad() *tensor.Matrix { return b.actsGrad }
func (b *layerBase) IsGradConsumer() bool     { return b.gradConsumer }
func (b *layerBase) IsGradProducer() bool     { return b.gradProducer }
func (b *layerBase) base() *layerBase         { return b }

// Default capability implementations; weight-owning layers override.
func (b *layerBase) UpdateWeights(lr, momentum float32) {}
func (b *layerBase) backwardStart()                     {}
func (b *layerBase) backwardWeights()                   {}
func (b *layerBase) postBackward()                      {}

// reset clears the per-step protocol state. Counters restart from zero at
// the beginning of every pass.
func (b *layerBase) reset() {
	b.numFwdReceived = 0
	b.numBwdReceived = 0
	b.fpropped = false
	b.bpropped = false
	b.inputs = nil
}

// singleInput asserts the one-predecessor contract of the spatial layers.
func (b *layerBase) singleInput(inputs []*tensor.Matrix) *tensor.Matrix {
	if len(inputs) != 1 {
		panic(fmt.Sprintf("graph: layer %q (%s) takes exactly one input, got %d", b.name, b.kind, len(inputs)))
	}
	return inputs[0]
}

// ensureShape resizes m to rows x cols unless it already matches.
func ensureShape(m *tensor.Matrix, rows, cols int) {
	if m.Rows() != rows || m.Cols() != cols || m.IsTrans() {
		m.Resize(rows, cols)
	}
}
