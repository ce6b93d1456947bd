package graph

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// TrainConfig is the per-training-run configuration threaded through the
// net constructor. It replaces what would otherwise be process-wide flags.
type TrainConfig struct {
	// Device controls kernel execution.
	Device device.Config
	// SaveActs keeps activation-gradient buffers alive after the backward
	// pass instead of letting layers truncate them.
	SaveActs bool
	// CheckingGrads marks a numerical gradient-checking run; buffer
	// truncation is disabled so repeated passes see identical state.
	CheckingGrads bool
}

// DefaultTrainConfig returns a training configuration for the local device.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Device: device.DefaultConfig(), SaveActs: true}
}

// Net owns the layer arena and drives propagation. Layers are appended at
// build time and wired by name; the net is the sole owner of all layers
// and their tensors.
type Net struct {
	cfg    TrainConfig
	layers []Layer
	byName map[string]int
	data   []int // data layer indices
	costs  []int // cost layer indices
}

// NewNet creates an empty net with the given training configuration.
func NewNet(cfg TrainConfig) *Net {
	return &Net{cfg: cfg, byName: make(map[string]int)}
}

// Add registers a layer under its name, wiring it below the named
// predecessors. Predecessors must already be registered, which keeps the
// arena in topological order and the graph acyclic by construction.
func (n *Net) Add(l Layer, predNames ...string) error {
	b := l.base()
	if _, dup := n.byName[b.name]; dup {
		return fmt.Errorf("graph: duplicate layer name %q", b.name)
	}
	if b.kind == KindData && len(predNames) > 0 {
		return fmt.Errorf("graph: data layer %q cannot have predecessors", b.name)
	}

	idx := len(n.layers)
	b.net = n
	b.idx = idx
	for _, pn := range predNames {
		pi, ok := n.byName[pn]
		if !ok {
			return fmt.Errorf("graph: layer %q wires unknown predecessor %q", b.name, pn)
		}
		b.preds = append(b.preds, pi)
		pb := n.layers[pi].base()
		pb.succs = append(pb.succs, idx)
		if b.gradProducer {
			pb.numGradProducers++
		}
	}

	n.layers = append(n.layers, l)
	n.byName[b.name] = idx
	switch b.kind {
	case KindData:
		n.data = append(n.data, idx)
	case KindCost:
		n.costs = append(n.costs, idx)
	}
	return nil
}

// Layer returns the layer registered under name.
func (n *Net) Layer(name string) Layer {
	idx, ok := n.byName[name]
	if !ok {
		panic(fmt.Sprintf("graph: no layer named %q", name))
	}
	return n.layers[idx]
}

// Config returns the net's training configuration.
func (n *Net) Config() TrainConfig { return n.cfg }

// Reset clears every layer's per-step protocol state. It runs implicitly at
// the start of FProp.
func (n *Net) Reset() {
	for _, l := range n.layers {
		l.base().reset()
	}
}

// FProp runs one forward pass. data maps data-layer names to their input
// matrices for this step; every data layer must be fed. Activations flow
// through the DAG, each layer computing exactly once when all its forward
// inputs have arrived.
func (n *Net) FProp(data map[string]*tensor.Matrix) {
	if len(n.costs) == 0 {
		panic("graph: net has no cost layer")
	}
	n.Reset()
	for _, di := range n.data {
		dl := n.layers[di].(*DataLayer)
		input, ok := data[dl.name]
		if !ok {
			panic(fmt.Sprintf("graph: no input supplied for data layer %q", dl.name))
		}
		dl.setInput(input)
	}
	for _, di := range n.data {
		n.runFProp(di)
	}
	for _, l := range n.layers {
		if !l.base().fpropped {
			panic(fmt.Sprintf("graph: layer %q unreachable from data layers", l.Name()))
		}
	}
}

func (n *Net) runFProp(idx int) {
	l := n.layers[idx]
	b := l.base()
	if b.fpropped {
		panic(fmt.Sprintf("graph: forward fired twice on layer %q", b.name))
	}
	if b.numFwdReceived != len(b.preds) {
		panic(fmt.Sprintf("graph: layer %q forward fired with %d/%d inputs", b.name, b.numFwdReceived, len(b.preds)))
	}
	b.fpropped = true

	inputs := make([]*tensor.Matrix, len(b.preds))
	for i, pi := range b.preds {
		inputs[i] = n.layers[pi].Acts()
	}
	b.inputs = inputs
	l.forward(inputs)

	for _, si := range b.succs {
		sb := n.layers[si].base()
		sb.numFwdReceived++
		if sb.numFwdReceived == len(sb.preds) {
			n.runFProp(si)
		} else if sb.numFwdReceived > len(sb.preds) {
			panic(fmt.Sprintf("graph: layer %q over-delivered forward inputs", sb.name))
		}
	}
}

// BProp runs one backward pass. Cost layers seed activation gradients from
// their loss derivative; gradients flow in reverse, each layer's backward
// work firing exactly once when every gradient-producing successor has
// reported.
func (n *Net) BProp() {
	for i := len(n.costs) - 1; i >= 0; i-- {
		cb := n.layers[n.costs[i]].base()
		if !cb.fpropped {
			panic("graph: BProp before FProp")
		}
		n.runBProp(n.costs[i])
	}
}

func (n *Net) runBProp(idx int) {
	l := n.layers[idx]
	b := l.base()
	if b.bpropped {
		panic(fmt.Sprintf("graph: backward fired twice on layer %q", b.name))
	}
	if b.numBwdReceived != b.numGradProducers {
		panic(fmt.Sprintf("graph: layer %q backward fired with %d/%d gradients", b.name, b.numBwdReceived, b.numGradProducers))
	}
	b.bpropped = true

	l.backwardStart()
	if l.IsGradProducer() {
		for i, pi := range b.preds {
			p := n.layers[pi]
			if !p.IsGradConsumer() {
				continue
			}
			var scale float32
			if p.base().numBwdReceived > 0 {
				scale = 1
			}
			l.backwardActs(p, i, scale)
		}
	}
	l.backwardWeights()
	l.postBackward()

	if l.IsGradProducer() {
		for _, pi := range b.preds {
			pb := n.layers[pi].base()
			pb.numBwdReceived++
			if pb.numBwdReceived == pb.numGradProducers {
				n.runBProp(pi)
			} else if pb.numBwdReceived > pb.numGradProducers {
				panic(fmt.Sprintf("graph: layer %q over-delivered gradients", pb.name))
			}
		}
	}
}

// Cost returns the coefficient-weighted sum of every cost layer's error
// for the last forward pass.
func (n *Net) Cost() float64 {
	var total float64
	for _, ci := range n.costs {
		total += n.layers[ci].(*CostLayer).WeightedCost()
	}
	return total
}

// UpdateWeights applies one SGD step to every weight-owning layer.
func (n *Net) UpdateWeights(lr, momentum float32) {
	for _, l := range n.layers {
		l.UpdateWeights(lr, momentum)
	}
}
