package graph

import (
	"math"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// Neuron is an elementwise activation function applied by weight-owning
// layers after their affine map. The full neuron catalogue lives outside
// the core; the built-ins here cover what the graph itself needs.
//
// Grad multiplies an incoming gradient in place by the derivative,
// expressed in terms of the already-computed activations so the forward
// input does not have to be retained.
type Neuron interface {
	Name() string
	Apply(acts *tensor.Matrix)
	Grad(acts, grads *tensor.Matrix)
}

type identityNeuron struct{}

func (identityNeuron) Name() string             { return "ident" }
func (identityNeuron) Apply(*tensor.Matrix)     {}
func (identityNeuron) Grad(_, _ *tensor.Matrix) {}

type reluNeuron struct{}

func (reluNeuron) Name() string { return "relu" }

func (reluNeuron) Apply(acts *tensor.Matrix) {
	data := acts.Data()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

func (reluNeuron) Grad(acts, grads *tensor.Matrix) {
	a := acts.Data()
	g := grads.Data()
	for i := range g {
		if a[i] <= 0 {
			g[i] = 0
		}
	}
}

type logisticNeuron struct{}

func (logisticNeuron) Name() string { return "logistic" }

func (logisticNeuron) Apply(acts *tensor.Matrix) {
	data := acts.Data()
	for i, v := range data {
		data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
}

func (logisticNeuron) Grad(acts, grads *tensor.Matrix) {
	a := acts.Data()
	g := grads.Data()
	for i := range g {
		g[i] *= a[i] * (1 - a[i])
	}
}

// Built-in neurons.
var (
	Identity Neuron = identityNeuron{}
	ReLU     Neuron = reluNeuron{}
	Logistic Neuron = logisticNeuron{}
)
