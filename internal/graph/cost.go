package graph

import (
	"fmt"
	"math"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// CostLayer is the logistic-regression (softmax + negative log-likelihood)
// terminal layer. Its activations are the class probabilities; the scalar
// error is exposed separately from the gradient flow and enters the net's
// total weighted by the layer coefficient, allowing multi-task sums.
//
// Labels for the current batch are supplied out of band before the forward
// pass as a 1 x numImages matrix of class indices.
type CostLayer struct {
	layerBase
	coeff  float32
	labels *tensor.Matrix
	costs  []float32 // per-image negative log-likelihood
	cost   float64
}

// NewLogregCostLayer creates a logistic cost layer with the given
// contribution coefficient.
func NewLogregCostLayer(name string, coeff float32) *CostLayer {
	if coeff == 0 {
		coeff = 1
	}
	return &CostLayer{
		layerBase: newLayerBase(name, KindCost, false, true),
		coeff:     coeff,
	}
}

// SetLabels installs the label row for the next forward pass.
func (l *CostLayer) SetLabels(labels *tensor.Matrix) {
	if labels.Rows() != 1 {
		panic(fmt.Sprintf("graph: cost layer %q labels must be 1 x numImages, got %dx%d", l.name, labels.Rows(), labels.Cols()))
	}
	l.labels = labels
}

// Coeff returns the layer's cost coefficient.
func (l *CostLayer) Coeff() float32 { return l.coeff }

// WeightedCost returns coeff * (summed per-image cost) for the last pass.
func (l *CostLayer) WeightedCost() float64 { return float64(l.coeff) * l.cost }

// PerCaseCosts returns the per-image costs of the last pass.
func (l *CostLayer) PerCaseCosts() []float32 { return l.costs }

func (l *CostLayer) forward(inputs []*tensor.Matrix) {
	in := l.singleInput(inputs)
	if l.labels == nil {
		panic(fmt.Sprintf("graph: cost layer %q has no labels", l.name))
	}
	numClasses := in.Rows()
	numImages := in.Cols()
	if l.labels.Cols() != numImages {
		panic(fmt.Sprintf("graph: cost layer %q has %d labels for %d images", l.name, l.labels.Cols(), numImages))
	}

	ensureShape(l.acts, numClasses, numImages)
	if cap(l.costs) < numImages {
		l.costs = make([]float32, numImages)
	}
	l.costs = l.costs[:numImages]
	l.cost = 0

	// Column-wise softmax with the usual max shift for stability, then
	// negative log-likelihood of the labeled class.
	for i := 0; i < numImages; i++ {
		maxv := in.At(0, i)
		for r := 1; r < numClasses; r++ {
			if v := in.At(r, i); v > maxv {
				maxv = v
			}
		}
		var sum float64
		for r := 0; r < numClasses; r++ {
			e := math.Exp(float64(in.At(r, i) - maxv))
			l.acts.Set(r, i, float32(e))
			sum += e
		}
		inv := float32(1 / sum)
		for r := 0; r < numClasses; r++ {
			l.acts.Set(r, i, l.acts.At(r, i)*inv)
		}

		label := int(l.labels.At(0, i))
		if label < 0 || label >= numClasses {
			panic(fmt.Sprintf("graph: cost layer %q label %d out of range [0,%d)", l.name, label, numClasses))
		}
		c := -math.Log(math.Max(float64(l.acts.At(label, i)), 1e-30))
		l.costs[i] = float32(c)
		l.cost += c
	}
}

func (l *CostLayer) backwardActs(pred Layer, _ int, scaleTargets float32) {
	numClasses := l.acts.Rows()
	numImages := l.acts.Cols()
	pg := pred.ActsGrad()
	if scaleTargets == 0 {
		ensureShape(pg, numClasses, numImages)
		pg.Zero()
	}

	// Seed: d(sum NLL)/d(input) = probs - onehot(labels), scaled by coeff.
	for i := 0; i < numImages; i++ {
		label := int(l.labels.At(0, i))
		for r := 0; r < numClasses; r++ {
			g := l.acts.At(r, i)
			if r == label {
				g -= 1
			}
			pg.Set(r, i, pg.At(r, i)+l.coeff*g)
		}
	}
}
