package graph

import (
	"fmt"
	"math"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// NormConfig configures a cross-map contrast-normalization layer.
type NormConfig struct {
	Channels int
	ImgSize  int
	Size     int     // channels per normalization neighborhood
	Scale    float32 // summed-square coefficient (divided by Size)
	Pow      float32 // normalization exponent
}

// CrossMapNormLayer normalizes each unit by the summed squared activations
// of the same pixel across a neighborhood of channels:
//
//	denom = 1 + (scale/size) * sum_{c' in nbhd(c)} x_{c'}^2
//	out_c = x_c * denom_c^(-pow)
//
// The denominator tensor is cached between the forward and backward pass;
// backward applies the full normalization Jacobian.
type CrossMapNormLayer struct {
	layerBase
	cfg    NormConfig
	denoms *tensor.Matrix
}

// NewCrossMapNormLayer creates a contrast-normalization layer.
func NewCrossMapNormLayer(name string, cfg NormConfig) *CrossMapNormLayer {
	if cfg.Size <= 0 || cfg.Size > cfg.Channels {
		panic(fmt.Sprintf("graph: norm layer %q size %d out of range for %d channels", name, cfg.Size, cfg.Channels))
	}
	if cfg.Pow <= 0 {
		panic(fmt.Sprintf("graph: norm layer %q needs a positive pow, got %v", name, cfg.Pow))
	}
	return &CrossMapNormLayer{
		layerBase: newLayerBase(name, KindCMNorm, true, true),
		cfg:       cfg,
		denoms:    tensor.NewMatrix(0, 0),
	}
}

// window returns the channel range normalizing channel c.
func (l *CrossMapNormLayer) window(c int) (lo, hi int) {
	lo = c - (l.cfg.Size-1)/2
	hi = lo + l.cfg.Size
	if lo < 0 {
		lo = 0
	}
	if hi > l.cfg.Channels {
		hi = l.cfg.Channels
	}
	return lo, hi
}

func (l *CrossMapNormLayer) forward(inputs []*tensor.Matrix) {
	in := l.singleInput(inputs)
	imgPixels := l.cfg.ImgSize * l.cfg.ImgSize
	if in.Rows() != l.cfg.Channels*imgPixels {
		panic(fmt.Sprintf("graph: norm layer %q expects %d input rows, got %d", l.name, l.cfg.Channels*imgPixels, in.Rows()))
	}
	numImages := in.Cols()
	ensureShape(l.acts, in.Rows(), numImages)
	ensureShape(l.denoms, in.Rows(), numImages)

	alpha := l.cfg.Scale / float32(l.cfg.Size)
	dev := l.net.cfg.Device
	device.For(imgPixels, dev, func(p int) {
		for c := 0; c < l.cfg.Channels; c++ {
			lo, hi := l.window(c)
			for i := 0; i < numImages; i++ {
				var sq float32
				for cc := lo; cc < hi; cc++ {
					x := in.At(cc*imgPixels+p, i)
					sq += x * x
				}
				denom := 1 + alpha*sq
				l.denoms.Set(c*imgPixels+p, i, denom)
				l.acts.Set(c*imgPixels+p, i,
					in.At(c*imgPixels+p, i)*powf(denom, -l.cfg.Pow))
			}
		}
	})
}

func (l *CrossMapNormLayer) backwardActs(pred Layer, _ int, scaleTargets float32) {
	in := l.inputs[0]
	imgPixels := l.cfg.ImgSize * l.cfg.ImgSize
	numImages := l.actsGrad.Cols()

	pg := pred.ActsGrad()
	if scaleTargets == 0 {
		ensureShape(pg, in.Rows(), numImages)
		pg.Zero()
	}

	alpha := l.cfg.Scale / float32(l.cfg.Size)
	pow := l.cfg.Pow
	dev := l.net.cfg.Device
	device.For(imgPixels, dev, func(p int) {
		for c := 0; c < l.cfg.Channels; c++ {
			for i := 0; i < numImages; i++ {
				x := in.At(c*imgPixels+p, i)
				denom := l.denoms.At(c*imgPixels+p, i)
				// Direct term through this unit's own denominator.
				g := l.actsGrad.At(c*imgPixels+p, i) * powf(denom, -pow)
				// Jacobian term through every neighborhood this channel
				// participates in.
				var cross float32
				for cc := 0; cc < l.cfg.Channels; cc++ {
					lo, hi := l.window(cc)
					if c < lo || c >= hi {
						continue
					}
					d := l.denoms.At(cc*imgPixels+p, i)
					cross += l.actsGrad.At(cc*imgPixels+p, i) *
						in.At(cc*imgPixels+p, i) * powf(d, -pow-1)
				}
				g -= 2 * alpha * pow * x * cross
				pg.Set(c*imgPixels+p, i, pg.At(c*imgPixels+p, i)+g)
			}
		}
	})
}

func powf(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}
