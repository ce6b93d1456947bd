package kernels

import "github.com/convnet-ml/convnet/internal/tensor"

// weightActsReference is the direct (module, filterPixel, color, filter)
// reduction the tiled family must agree with. It is the correctness oracle
// for every tiling variant and is deliberately naive.
func weightActsReference(images, hidActs *tensor.Matrix, g Geometry, sumWidth int) *tensor.Matrix {
	if sumWidth == 0 {
		sumWidth = g.NumModules()
	}
	filterColors := g.FilterColors()
	filterPixels := g.FilterPixels()
	imgPixels := g.ImgPixels()
	numChunks := g.NumModules() / sumWidth

	out := tensor.NewMatrix(numChunks*filterColors*filterPixels, g.NumFilters)
	for f := 0; f < g.NumFilters; f++ {
		group := f / g.FiltersPerGroup()
		imgColorBase := group * filterColors
		for m := 0; m < g.NumModules(); m++ {
			chunk := m / sumWidth
			topY, topX := g.moduleTopLeft(m)
			for fp := 0; fp < filterPixels; fp++ {
				iy := topY + fp/g.FilterSize
				ix := topX + fp%g.FilterSize
				if iy < 0 || iy >= g.ImgSize || ix < 0 || ix >= g.ImgSize {
					continue
				}
				pix := iy*g.ImgSize + ix
				for c := 0; c < filterColors; c++ {
					var sum float32
					for i := 0; i < g.NumImages; i++ {
						sum += images.At((imgColorBase+c)*imgPixels+pix, i) * hidActs.At(f*g.NumModules()+m, i)
					}
					row := chunk*filterColors*filterPixels + c*filterPixels + fp
					out.Set(row, f, out.At(row, f)+sum)
				}
			}
		}
	}
	return out
}
