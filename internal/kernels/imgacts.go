package kernels

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// ImgActs computes the transposed ("full") convolution, routing hidden
// activation gradients back to image space:
//
//	targets = scaleTargets*targets + scaleOutput * conv^T(hidActs, filters)
//
// hidActs is (numFilters*numModules) x numImages, targets is
// (numImgColors*imgPixels) x numImages. The scale/blend and resize-on-
// overwrite rules match WeightActs.
//
// Work is partitioned one image row (color, pixel) per unit: a unit visits
// every module whose receptive field covers its pixel, which makes each
// target row single-writer without atomics.
func ImgActs(hidActs, filters, targets *tensor.Matrix, g Geometry, scaleTargets, scaleOutput float32, dev device.Config) {
	g.Validate()
	if hidActs.IsTrans() || filters.IsTrans() {
		panic("kernels: ImgActs requires untransposed inputs")
	}
	if hidActs.Rows() != g.NumFilters*g.NumModules() || hidActs.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: hidActs shape %dx%d, want %dx%d",
			hidActs.Rows(), hidActs.Cols(), g.NumFilters*g.NumModules(), g.NumImages))
	}
	if filters.Rows() != g.FilterColors()*g.FilterPixels() || filters.Cols() != g.NumFilters {
		panic(fmt.Sprintf("kernels: filters shape %dx%d, want %dx%d",
			filters.Rows(), filters.Cols(), g.FilterColors()*g.FilterPixels(), g.NumFilters))
	}
	if !hidActs.IsContiguous() || !filters.IsContiguous() {
		panic("kernels: ImgActs requires contiguous hidActs and filters")
	}

	targetRows := g.NumImgColors * g.ImgPixels()
	if scaleTargets == 0 && scaleOutput == 1 {
		targets.Resize(targetRows, g.NumImages)
		targets.Zero()
		scaleTargets = 1
	} else if targets.IsTrans() || targets.Rows() != targetRows || targets.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: blended ImgActs needs %dx%d target, got %dx%d",
			targetRows, g.NumImages, targets.Rows(), targets.Cols()))
	}

	hidData := hidActs.Data()
	hidStride := hidActs.Stride()
	fData := filters.Data()
	fStride := filters.Stride()
	tData := targets.Data()
	tStride := targets.Stride()

	filterColors := g.FilterColors()
	filterPixels := g.FilterPixels()
	imgPixels := g.ImgPixels()
	numModules := g.NumModules()
	filtersPerGroup := g.FiltersPerGroup()

	st, so := scaleTargets, scaleOutput
	device.For(g.NumImgColors*imgPixels, dev, func(row int) {
		globalColor := row / imgPixels
		pix := row % imgPixels
		iy := pix / g.ImgSize
		ix := pix % g.ImgSize
		group := globalColor / filterColors
		c := globalColor % filterColors
		filterBase := group * filtersPerGroup

		acc := make([]float32, g.NumImages)
		for m := 0; m < numModules; m++ {
			topY, topX := g.moduleTopLeft(m)
			fy := iy - topY
			fx := ix - topX
			if fy < 0 || fy >= g.FilterSize || fx < 0 || fx >= g.FilterSize {
				continue
			}
			fp := fy*g.FilterSize + fx
			fRow := fData[(c*filterPixels+fp)*fStride:]
			for f := 0; f < filtersPerGroup; f++ {
				w := fRow[filterBase+f]
				if w == 0 {
					continue
				}
				hRow := hidData[((filterBase+f)*numModules+m)*hidStride:]
				for i := 0; i < g.NumImages; i++ {
					acc[i] += w * hRow[i]
				}
			}
		}

		base := row * tStride
		for i := 0; i < g.NumImages; i++ {
			tData[base+i] = st*tData[base+i] + so*acc[i]
		}
	})
}
