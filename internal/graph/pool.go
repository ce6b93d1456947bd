package graph

import (
	"fmt"
	"math"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// PoolConfig configures a max-pooling layer.
type PoolConfig struct {
	Channels int
	ImgSize  int
	SizeX    int // pooling window side
	Stride   int
	OutputsX int // 0 derives the output grid from the window and stride
}

// PoolLayer reduces each local spatial window to its maximum. Backward
// routes the gradient only through the window positions that produced the
// forward maximum.
type PoolLayer struct {
	layerBase
	cfg PoolConfig
}

// NewMaxPoolLayer creates a max-pooling layer.
func NewMaxPoolLayer(name string, cfg PoolConfig) *PoolLayer {
	if cfg.SizeX <= 0 || cfg.Stride <= 0 || cfg.Channels <= 0 || cfg.ImgSize <= 0 {
		panic(fmt.Sprintf("graph: pool layer %q has invalid config %+v", name, cfg))
	}
	if cfg.OutputsX == 0 {
		cfg.OutputsX = (cfg.ImgSize-cfg.SizeX+cfg.Stride-1)/cfg.Stride + 1
	}
	return &PoolLayer{
		layerBase: newLayerBase(name, KindPool, true, true),
		cfg:       cfg,
	}
}

// OutputsX returns the pooled grid side length.
func (l *PoolLayer) OutputsX() int { return l.cfg.OutputsX }

func (l *PoolLayer) forward(inputs []*tensor.Matrix) {
	in := l.singleInput(inputs)
	imgPixels := l.cfg.ImgSize * l.cfg.ImgSize
	if in.Rows() != l.cfg.Channels*imgPixels {
		panic(fmt.Sprintf("graph: pool layer %q expects %d input rows, got %d", l.name, l.cfg.Channels*imgPixels, in.Rows()))
	}
	numImages := in.Cols()
	outP := l.cfg.OutputsX * l.cfg.OutputsX
	ensureShape(l.acts, l.cfg.Channels*outP, numImages)

	dev := l.net.cfg.Device
	device.For(l.cfg.Channels*outP, dev, func(row int) {
		c := row / outP
		om := row % outP
		oy := om / l.cfg.OutputsX
		ox := om % l.cfg.OutputsX
		for i := 0; i < numImages; i++ {
			best := float32(math.Inf(-1))
			for py := oy * l.cfg.Stride; py < min(oy*l.cfg.Stride+l.cfg.SizeX, l.cfg.ImgSize); py++ {
				for px := ox * l.cfg.Stride; px < min(ox*l.cfg.Stride+l.cfg.SizeX, l.cfg.ImgSize); px++ {
					v := in.At(c*imgPixels+py*l.cfg.ImgSize+px, i)
					if v > best {
						best = v
					}
				}
			}
			l.acts.Set(row, i, best)
		}
	})
}

func (l *PoolLayer) backwardActs(pred Layer, _ int, scaleTargets float32) {
	in := l.inputs[0]
	imgPixels := l.cfg.ImgSize * l.cfg.ImgSize
	outP := l.cfg.OutputsX * l.cfg.OutputsX
	numImages := l.actsGrad.Cols()

	pg := pred.ActsGrad()
	if scaleTargets == 0 {
		ensureShape(pg, in.Rows(), numImages)
		pg.Zero()
	}

	// Channels are disjoint across units, so parallelizing over channels
	// keeps the target single-writer.
	dev := l.net.cfg.Device
	device.For(l.cfg.Channels, dev, func(c int) {
		for om := 0; om < outP; om++ {
			oy := om / l.cfg.OutputsX
			ox := om % l.cfg.OutputsX
			for i := 0; i < numImages; i++ {
				g := l.actsGrad.At(c*outP+om, i)
				if g == 0 {
					continue
				}
				top := l.acts.At(c*outP+om, i)
				for py := oy * l.cfg.Stride; py < min(oy*l.cfg.Stride+l.cfg.SizeX, l.cfg.ImgSize); py++ {
					for px := ox * l.cfg.Stride; px < min(ox*l.cfg.Stride+l.cfg.SizeX, l.cfg.ImgSize); px++ {
						row := c*imgPixels + py*l.cfg.ImgSize + px
						if in.At(row, i) == top {
							pg.Set(row, i, pg.At(row, i)+g)
						}
					}
				}
			}
		}
	})
}
