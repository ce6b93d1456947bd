package graph

import (
	"fmt"
	"math"

	"github.com/convnet-ml/convnet/internal/tensor"
)

// GradCheckResult reports the agreement between a parameter matrix's analytic
// gradient and a central-difference estimate over one batch.
type GradCheckResult struct {
	Layer string
	Param string
	// RelErr is ||numeric - analytic|| / max(||numeric||, ||analytic||),
	// or the absolute error norm when both gradients are zero.
	RelErr       float64
	NumericNorm  float64
	AnalyticNorm float64
}

func (r GradCheckResult) String() string {
	return fmt.Sprintf("%s.%s: relErr=%.3e (numeric %.3e, analytic %.3e)",
		r.Layer, r.Param, r.RelErr, r.NumericNorm, r.AnalyticNorm)
}

// namedParam pairs a weight set with its reporting name.
type namedParam struct {
	name string
	ws   *WeightSet
}

func layerParams(l Layer) []namedParam {
	switch v := l.(type) {
	case *ConvLayer:
		return []namedParam{{"filters", v.Filters()}, {"biases", v.Biases()}}
	case *FCLayer:
		return []namedParam{{"weights", v.Weights()}, {"biases", v.Biases()}}
	}
	return nil
}

// CheckGradients compares every weight-owning layer's analytic gradients
// against central differences of the net's cost on the given batch. The net
// must have been built with CheckingGrads set so activation-gradient buffers
// survive between the repeated passes.
//
// The check runs in float32 forward arithmetic, so the step must be coarse
// enough to rise above rounding in the cost sum; eps around 1e-2 works for
// batch sums of order one. A relative error below about 1e-2 indicates
// agreement at single precision.
func CheckGradients(n *Net, data map[string]*tensor.Matrix, eps float32) []GradCheckResult {
	if !n.cfg.CheckingGrads {
		panic("graph: CheckGradients on a net built without CheckingGrads")
	}

	// One analytic pass; snapshot the gradients before the numeric probes
	// overwrite them.
	n.FProp(data)
	n.BProp()

	var results []GradCheckResult
	for _, l := range n.layers {
		for _, p := range layerParams(l) {
			analytic := p.ws.Grad.Clone()

			numeric := tensor.NewMatrix(analytic.Rows(), analytic.Cols())
			w := p.ws.W
			for r := 0; r < w.Rows(); r++ {
				for c := 0; c < w.Cols(); c++ {
					orig := w.At(r, c)

					w.Set(r, c, orig+eps)
					n.FProp(data)
					up := n.Cost()

					w.Set(r, c, orig-eps)
					n.FProp(data)
					down := n.Cost()

					w.Set(r, c, orig)
					numeric.Set(r, c, float32((up-down)/(2*float64(eps))))
				}
			}

			results = append(results, compareGrads(l.Name(), p.name, numeric, analytic))
		}
	}

	// Leave the net in the analytic state it was handed over in.
	n.FProp(data)
	n.BProp()
	return results
}

func compareGrads(layer, param string, numeric, analytic *tensor.Matrix) GradCheckResult {
	var diff2, num2, ana2 float64
	for r := 0; r < numeric.Rows(); r++ {
		for c := 0; c < numeric.Cols(); c++ {
			nv := float64(numeric.At(r, c))
			av := float64(analytic.At(r, c))
			diff2 += (nv - av) * (nv - av)
			num2 += nv * nv
			ana2 += av * av
		}
	}
	res := GradCheckResult{
		Layer:        layer,
		Param:        param,
		NumericNorm:  math.Sqrt(num2),
		AnalyticNorm: math.Sqrt(ana2),
	}
	scale := math.Max(res.NumericNorm, res.AnalyticNorm)
	if scale == 0 {
		res.RelErr = math.Sqrt(diff2)
	} else {
		res.RelErr = math.Sqrt(diff2) / scale
	}
	return res
}
