package graph

import (
	"fmt"
	"math/rand"

	"github.com/convnet-ml/convnet/internal/kernels"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// ConvConfig configures a convolution layer. Padding is given as the usual
// non-negative border width; it maps to the kernel family's paddingStart.
type ConvConfig struct {
	Channels     int
	ImgSize      int
	FilterSize   int
	Padding      int
	Stride       int
	NumFilters   int
	NumGroups    int
	PartialSum   int  // modules folded per weight-gradient row; 0 means all
	SharedBiases bool // one bias per filter instead of one per (filter, module)
	Neuron       Neuron
	InitW        float32
	InitB        float32
}

// ConvLayer applies a convolution over its single input, delegating the
// heavy work to the tiled kernel family: FilterActs forward, ImgActs for
// the activation gradient, WeightActs for the parameter gradient.
type ConvLayer struct {
	layerBase
	cfg      ConvConfig
	modulesX int

	filters *WeightSet
	biases  *WeightSet

	// wTmp holds partial-sum folded weight gradients before the chunk
	// reduction when PartialSum is in effect.
	wTmp *tensor.Matrix

	geom kernels.Geometry // cached from the last forward pass
}

// NewConvLayer creates a convolution layer. The module grid is derived from
// the configuration; the geometry invariants are re-validated on every
// kernel call.
func NewConvLayer(name string, cfg ConvConfig, rng *rand.Rand) *ConvLayer {
	if cfg.NumGroups == 0 {
		cfg.NumGroups = 1
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Neuron == nil {
		cfg.Neuron = Identity
	}
	if cfg.Padding < 0 {
		panic(fmt.Sprintf("graph: conv layer %q has negative padding %d", name, cfg.Padding))
	}
	modulesX := (cfg.ImgSize+2*cfg.Padding-cfg.FilterSize)/cfg.Stride + 1
	if modulesX <= 0 {
		panic(fmt.Sprintf("graph: conv layer %q has no output modules", name))
	}
	modules := modulesX * modulesX
	if cfg.PartialSum != 0 && modules%cfg.PartialSum != 0 {
		panic(fmt.Sprintf("graph: conv layer %q partialSum %d does not divide module count %d", name, cfg.PartialSum, modules))
	}

	filterColors := cfg.Channels / cfg.NumGroups
	filterPixels := cfg.FilterSize * cfg.FilterSize

	l := &ConvLayer{
		layerBase: newLayerBase(name, KindConv, true, true),
		cfg:       cfg,
		modulesX:  modulesX,
		filters:   newWeightSet(filterColors*filterPixels, cfg.NumFilters, cfg.InitW, rng),
		wTmp:      tensor.NewMatrix(0, 0),
	}
	biasRows := cfg.NumFilters
	if !cfg.SharedBiases {
		biasRows = cfg.NumFilters * modules
	}
	l.biases = newWeightSet(biasRows, 1, 0, rng)
	if cfg.InitB != 0 {
		data := l.biases.W.Data()
		for i := range data {
			data[i] = cfg.InitB
		}
	}
	return l
}

// Filters returns the filter weight set.
func (l *ConvLayer) Filters() *WeightSet { return l.filters }

// Biases returns the bias weight set.
func (l *ConvLayer) Biases() *WeightSet { return l.biases }

// Modules returns the number of output modules.
func (l *ConvLayer) Modules() int { return l.modulesX * l.modulesX }

func (l *ConvLayer) geometry(numImages int) kernels.Geometry {
	return kernels.Geometry{
		NumImages:    numImages,
		NumFilters:   l.cfg.NumFilters,
		NumModulesX:  l.modulesX,
		ImgSize:      l.cfg.ImgSize,
		FilterSize:   l.cfg.FilterSize,
		PaddingStart: -l.cfg.Padding,
		ModuleStride: l.cfg.Stride,
		NumImgColors: l.cfg.Channels,
		NumGroups:    l.cfg.NumGroups,
	}
}

func (l *ConvLayer) forward(inputs []*tensor.Matrix) {
	in := l.singleInput(inputs)
	if in.Rows() != l.cfg.Channels*l.cfg.ImgSize*l.cfg.ImgSize {
		panic(fmt.Sprintf("graph: conv layer %q expects %d input rows, got %d",
			l.name, l.cfg.Channels*l.cfg.ImgSize*l.cfg.ImgSize, in.Rows()))
	}
	l.geom = l.geometry(in.Cols())
	dev := l.net.cfg.Device

	kernels.FilterActs(in, l.filters.W, l.acts, l.geom, 0, 1, dev)
	l.addBiases()
	l.cfg.Neuron.Apply(l.acts)
}

func (l *ConvLayer) addBiases() {
	modules := l.Modules()
	bias := l.biases.W.Data()
	data := l.acts.Data()
	stride := l.acts.Stride()
	cols := l.acts.Cols()
	for f := 0; f < l.cfg.NumFilters; f++ {
		for m := 0; m < modules; m++ {
			b := bias[f]
			if !l.cfg.SharedBiases {
				b = bias[f*modules+m]
			}
			row := data[(f*modules+m)*stride:]
			for i := 0; i < cols; i++ {
				row[i] += b
			}
		}
	}
}

func (l *ConvLayer) backwardStart() {
	l.cfg.Neuron.Grad(l.acts, l.actsGrad)
}

func (l *ConvLayer) backwardActs(pred Layer, _ int, scaleTargets float32) {
	kernels.ImgActs(l.actsGrad, l.filters.W, pred.ActsGrad(), l.geom, scaleTargets, 1, l.net.cfg.Device)
}

func (l *ConvLayer) backwardWeights() {
	in := l.inputs[0]
	dev := l.net.cfg.Device
	modules := l.Modules()

	// Bias gradients: plain batch reductions over the incoming gradient.
	v := l.actsGrad.Data()
	vStride := l.actsGrad.Stride()
	cols := l.actsGrad.Cols()
	bGrad := l.biases.Grad.Data()
	clear(bGrad)
	for f := 0; f < l.cfg.NumFilters; f++ {
		for m := 0; m < modules; m++ {
			var sum float32
			row := v[(f*modules+m)*vStride:]
			for i := 0; i < cols; i++ {
				sum += row[i]
			}
			if l.cfg.SharedBiases {
				bGrad[f] += sum
			} else {
				bGrad[f*modules+m] = sum
			}
		}
	}

	// Filter gradients via the tiled reduction. With partialSum in effect
	// the kernel emits one row block per module chunk; fold the chunks
	// down to the filter shape afterwards.
	ps := l.cfg.PartialSum
	if ps == 0 || ps == modules {
		kernels.WeightActs(in, l.actsGrad, l.filters.Grad, l.geom, 0, 0, 1, dev)
		return
	}
	kernels.WeightActs(in, l.actsGrad, l.wTmp, l.geom, ps, 0, 1, dev)
	rowsPerChunk := l.filters.Grad.Rows()
	numChunks := l.wTmp.Rows() / rowsPerChunk
	l.filters.Grad.Zero()
	for chunk := 0; chunk < numChunks; chunk++ {
		for r := 0; r < rowsPerChunk; r++ {
			for f := 0; f < l.cfg.NumFilters; f++ {
				l.filters.Grad.Set(r, f, l.filters.Grad.At(r, f)+l.wTmp.At(chunk*rowsPerChunk+r, f))
			}
		}
	}
}

func (l *ConvLayer) postBackward() {
	if !l.net.cfg.SaveActs && !l.net.cfg.CheckingGrads {
		l.TruncBwdActs()
	}
}

// TruncBwdActs discards the activation-gradient buffer once no earlier
// layer needs it, trading memory for reallocation on the next pass.
func (l *ConvLayer) TruncBwdActs() {
	l.actsGrad = tensor.NewMatrix(0, 0)
}

// UpdateWeights applies one SGD-with-momentum step to filters and biases.
func (l *ConvLayer) UpdateWeights(lr, momentum float32) {
	l.filters.Update(lr, momentum)
	l.biases.Update(lr, momentum)
}
