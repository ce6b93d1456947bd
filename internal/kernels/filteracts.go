package kernels

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// FilterActs computes forward convolution activations:
//
//	targets = scaleTargets*targets + scaleOutput * conv(images, filters)
//
// filters is (filterColors*filterPixels) x numFilters, targets is
// (numFilters*numModules) x numImages. The scale/blend and resize-on-
// overwrite rules match WeightActs.
//
// The work is partitioned one (filter, module) output row per unit; each
// unit walks the receptive field once and streams the image batch per
// filter pixel, so filter weights are read once per module.
func FilterActs(images, filters, targets *tensor.Matrix, g Geometry, scaleTargets, scaleOutput float32, dev device.Config) {
	g.Validate()
	if images.IsTrans() || filters.IsTrans() {
		panic("kernels: FilterActs requires untransposed inputs")
	}
	if images.Rows() != g.NumImgColors*g.ImgPixels() || images.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: images shape %dx%d, want %dx%d",
			images.Rows(), images.Cols(), g.NumImgColors*g.ImgPixels(), g.NumImages))
	}
	if filters.Rows() != g.FilterColors()*g.FilterPixels() || filters.Cols() != g.NumFilters {
		panic(fmt.Sprintf("kernels: filters shape %dx%d, want %dx%d",
			filters.Rows(), filters.Cols(), g.FilterColors()*g.FilterPixels(), g.NumFilters))
	}
	if !filters.IsContiguous() {
		panic("kernels: filters must be contiguous")
	}

	targetRows := g.NumFilters * g.NumModules()
	if scaleTargets == 0 && scaleOutput == 1 {
		targets.Resize(targetRows, g.NumImages)
		targets.Zero()
		scaleTargets = 1 // resized target is zeroed, blend is now exact
	} else if targets.IsTrans() || targets.Rows() != targetRows || targets.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: blended FilterActs needs %dx%d target, got %dx%d",
			targetRows, g.NumImages, targets.Rows(), targets.Cols()))
	}

	imgData := images.Data()
	imgStride := images.Stride()
	fData := filters.Data()
	fStride := filters.Stride()
	tData := targets.Data()
	tStride := targets.Stride()

	filterColors := g.FilterColors()
	filterPixels := g.FilterPixels()
	imgPixels := g.ImgPixels()
	numModules := g.NumModules()

	st, so := scaleTargets, scaleOutput
	device.For(g.NumFilters*numModules, dev, func(k int) {
		f := k / numModules
		m := k % numModules
		group := f / g.FiltersPerGroup()
		imgColorBase := group * filterColors
		topY, topX := g.moduleTopLeft(m)

		acc := make([]float32, g.NumImages)
		for fp := 0; fp < filterPixels; fp++ {
			iy := topY + fp/g.FilterSize
			ix := topX + fp%g.FilterSize
			if iy < 0 || iy >= g.ImgSize || ix < 0 || ix >= g.ImgSize {
				continue
			}
			pix := iy*g.ImgSize + ix
			for c := 0; c < filterColors; c++ {
				w := fData[(c*filterPixels+fp)*fStride+f]
				if w == 0 {
					continue
				}
				row := imgData[((imgColorBase+c)*imgPixels+pix)*imgStride:]
				for i := 0; i < g.NumImages; i++ {
					acc[i] += w * row[i]
				}
			}
		}

		base := (f*numModules + m) * tStride
		for i := 0; i < g.NumImages; i++ {
			tData[base+i] = st*tData[base+i] + so*acc[i]
		}
	})
}
