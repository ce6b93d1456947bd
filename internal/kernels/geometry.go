// Package kernels implements the tiled convolution kernel family: forward
// activation (FilterActs), image-gradient (ImgActs), and the weight-gradient
// reduction (WeightActs) together with the tiling dispatcher that selects a
// concrete block configuration from the problem shape.
//
// Matrix layouts, shared by every kernel in the family:
//
//	images:  (numImgColors * imgPixels) x numImages, row stride allowed
//	hidActs: (numFilters * numModules) x numImages, contiguous
//	filters: (filterColors * filterPixels) x numFilters, contiguous
//	targets of WeightActs:
//	         (numModules/sumWidth * filterColors * filterPixels) x numFilters
//
// Pixels are row-major within an image (p = y*imgSize + x) and within a
// filter (fp = fy*filterSize + fx).
package kernels

import "fmt"

// Geometry describes one convolution problem. It is a value object,
// recomputed per call and validated before any kernel launch.
type Geometry struct {
	NumImages    int
	NumFilters   int
	NumModulesX  int // output positions per side
	ImgSize      int // image side length (images are square)
	FilterSize   int
	PaddingStart int // <= 0, offset of the first module in image space
	ModuleStride int
	NumImgColors int
	NumGroups    int
}

// ImgPixels returns the number of pixels per image channel.
func (g Geometry) ImgPixels() int { return g.ImgSize * g.ImgSize }

// FilterPixels returns the number of pixels per filter channel.
func (g Geometry) FilterPixels() int { return g.FilterSize * g.FilterSize }

// NumModules returns the total number of convolution modules.
func (g Geometry) NumModules() int { return g.NumModulesX * g.NumModulesX }

// FilterColors returns the number of color channels seen by one filter.
func (g Geometry) FilterColors() int { return g.NumImgColors / g.NumGroups }

// FiltersPerGroup returns the number of filters in one convolution group.
func (g Geometry) FiltersPerGroup() int { return g.NumFilters / g.NumGroups }

// Validate checks every structural invariant of the geometry. Violations are
// caller bugs, not runtime conditions, so they panic with a diagnostic.
func (g Geometry) Validate() {
	if g.NumImages <= 0 || g.NumFilters <= 0 || g.NumModulesX <= 0 {
		panic(fmt.Sprintf("kernels: invalid geometry counts (images=%d, filters=%d, modulesX=%d)",
			g.NumImages, g.NumFilters, g.NumModulesX))
	}
	if g.ImgSize <= 0 || g.FilterSize <= 0 {
		panic(fmt.Sprintf("kernels: invalid sizes (imgSize=%d, filterSize=%d)", g.ImgSize, g.FilterSize))
	}
	if g.NumGroups <= 0 {
		panic(fmt.Sprintf("kernels: invalid group count %d", g.NumGroups))
	}
	if g.PaddingStart > 0 {
		panic(fmt.Sprintf("kernels: paddingStart must be <= 0, got %d", g.PaddingStart))
	}
	if g.ModuleStride <= 0 || g.ModuleStride > g.FilterSize {
		panic(fmt.Sprintf("kernels: moduleStride %d must be in [1, filterSize=%d]", g.ModuleStride, g.FilterSize))
	}
	// The convolution must touch every output position; partial coverage is
	// unsupported.
	if g.PaddingStart+(g.NumModulesX-1)*g.ModuleStride+g.FilterSize < g.ImgSize {
		panic(fmt.Sprintf("kernels: modules do not cover image (paddingStart=%d, modulesX=%d, stride=%d, filterSize=%d, imgSize=%d)",
			g.PaddingStart, g.NumModulesX, g.ModuleStride, g.FilterSize, g.ImgSize))
	}
	if g.NumFilters%g.NumGroups != 0 {
		panic(fmt.Sprintf("kernels: numFilters %d not divisible by numGroups %d", g.NumFilters, g.NumGroups))
	}
	if g.NumImgColors%g.NumGroups != 0 {
		panic(fmt.Sprintf("kernels: numImgColors %d not divisible by numGroups %d", g.NumImgColors, g.NumGroups))
	}
	if g.FilterColors() > 3 && g.FilterColors()%4 != 0 {
		panic(fmt.Sprintf("kernels: filterColors %d > 3 must be divisible by 4", g.FilterColors()))
	}
}

// moduleTopLeft returns the image-space coordinates of the receptive field's
// top-left corner for module m.
func (g Geometry) moduleTopLeft(m int) (y, x int) {
	my := m / g.NumModulesX
	mx := m % g.NumModulesX
	return g.PaddingStart + my*g.ModuleStride, g.PaddingStart + mx*g.ModuleStride
}
