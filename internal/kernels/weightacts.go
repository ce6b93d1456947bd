package kernels

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// WeightActs computes convolutional weight gradients:
//
//	targets = scaleTargets*targets + scaleOutput * sum_images(images ⊗ hidActs)
//
// for every (module chunk, color, filter pixel, filter) target element.
// sumWidth is the number of modules folded into one output row (0 means all
// modules, the common case); it must divide the module count.
//
// When scaleTargets == 0 and scaleOutput == 1 the target matrix is resized
// and overwritten; any other combination requires a pre-existing target of
// the correct shape and blends into it.
//
// The reduction is tiled: each cooperative block owns a (pixels x filters)
// or (colors x filters) tile of the output and walks its module chunk,
// staging batch-tiles of PreloadCases images and hidden activations through
// scratch memory between phase barriers, so the inner accumulation never
// touches global memory per batch element. Out-of-image pixels are gathered
// as zeros and never written back.
func WeightActs(images, hidActs, targets *tensor.Matrix, g Geometry, sumWidth int, scaleTargets, scaleOutput float32, dev device.Config) {
	g.Validate()
	if images.IsTrans() || hidActs.IsTrans() {
		panic("kernels: WeightActs requires untransposed inputs")
	}
	if images.Rows() != g.NumImgColors*g.ImgPixels() || images.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: images shape %dx%d, want %dx%d",
			images.Rows(), images.Cols(), g.NumImgColors*g.ImgPixels(), g.NumImages))
	}
	if hidActs.Rows() != g.NumFilters*g.NumModules() || hidActs.Cols() != g.NumImages {
		panic(fmt.Sprintf("kernels: hidActs shape %dx%d, want %dx%d",
			hidActs.Rows(), hidActs.Cols(), g.NumFilters*g.NumModules(), g.NumImages))
	}
	if !hidActs.IsContiguous() {
		panic("kernels: hidActs must be contiguous")
	}

	if sumWidth == 0 {
		sumWidth = g.NumModules()
	}
	if sumWidth <= 0 || g.NumModules()%sumWidth != 0 {
		panic(fmt.Sprintf("kernels: sumWidth %d must divide module count %d", sumWidth, g.NumModules()))
	}
	numModuleChunks := g.NumModules() / sumWidth

	targetRows := numModuleChunks * g.FilterColors() * g.FilterPixels()
	overwrite := scaleTargets == 0 && scaleOutput == 1
	if overwrite {
		targets.Resize(targetRows, g.NumFilters)
	} else {
		if targets.IsTrans() || targets.Rows() != targetRows || targets.Cols() != g.NumFilters {
			panic(fmt.Sprintf("kernels: blended WeightActs needs %dx%d target, got %dx%d",
				targetRows, g.NumFilters, targets.Rows(), targets.Cols()))
		}
	}
	if !targets.IsContiguous() {
		panic("kernels: targets must be contiguous")
	}

	cfg := PickWeightActsConfig(g.NumFilters, g.FilterColors(), g.NumImages, g.NumGroups)
	LaunchWeightActs(cfg, images, hidActs, targets, g, sumWidth, scaleTargets, scaleOutput, dev)
}

// LaunchWeightActs runs one explicit member of the kernel family. Every
// applicable configuration computes the same reduction; WeightActs picks one
// by shape, tests sweep all of them.
func LaunchWeightActs(cfg TileConfig, images, hidActs, targets *tensor.Matrix, g Geometry, sumWidth int, scaleTargets, scaleOutput float32, dev device.Config) {
	numModuleChunks := g.NumModules() / sumWidth
	grid := weightActsGrid(cfg, g, numModuleChunks)
	if cfg.ManyColors {
		device.Launch(grid, dev, func(bx, by int) {
			weightActsManyColorBlock(cfg, images, hidActs, targets, g, sumWidth, scaleTargets, scaleOutput, bx, by)
		})
	} else {
		device.Launch(grid, dev, func(bx, by int) {
			weightActsFewColorBlock(cfg, images, hidActs, targets, g, sumWidth, scaleTargets, scaleOutput, bx, by)
		})
	}
}

// gatherCases stages one row of PreloadCases batch values into scratch,
// zero-filling past the end of the batch when the checked variant is in
// play.
func gatherCases(dst, src []float32, base, caseStart, preload, numImages int, checked bool) {
	if !checked {
		copy(dst[:preload], src[base+caseStart:base+caseStart+preload])
		return
	}
	n := numImages - caseStart
	if n > preload {
		n = preload
	}
	copy(dst[:n], src[base+caseStart:base+caseStart+n])
	clear(dst[n:preload])
}

// weightActsFewColorBlock is the <= 3 color scratch layout: a block owns
// BlockY*PixelsPerThread filter pixels across every color for
// BlockX*FiltersPerThread filters. Thread (ty, tx) accumulates
// PixelsPerThread x colors x FiltersPerThread partial gradients in
// registers.
func weightActsFewColorBlock(cfg TileConfig, images, hidActs, targets *tensor.Matrix, g Geometry, sumWidth int, scaleTargets, scaleOutput float32, bx, by int) {
	colors := g.FilterColors()
	filterPixels := g.FilterPixels()
	imgPixels := g.ImgPixels()
	numImages := g.NumImages
	preload := cfg.PreloadCases

	pixelBlocks := ceilDiv(filterPixels, cfg.BlockY*cfg.PixelsPerThread)
	chunk := by / pixelBlocks
	blockPixelOffset := (by % pixelBlocks) * cfg.BlockY * cfg.PixelsPerThread
	blockFilterOffset := bx * cfg.BlockX * cfg.FiltersPerThread

	tilePixels := cfg.BlockY * cfg.PixelsPerThread
	tileFilters := cfg.BlockX * cfg.FiltersPerThread

	shImages := make([]float32, tilePixels*colors*preload)
	shHidActs := make([]float32, tileFilters*preload)
	acc := make([]float32, cfg.BlockY*cfg.BlockX*cfg.PixelsPerThread*colors*cfg.FiltersPerThread)

	imgData := images.Data()
	imgStride := images.Stride()
	hidData := hidActs.Data()
	hidStride := hidActs.Stride()

	for m := chunk * sumWidth; m < (chunk+1)*sumWidth; m++ {
		topY, topX := g.moduleTopLeft(m)
		for caseStart := 0; caseStart < numImages; caseStart += preload {
			checked := cfg.Checked || caseStart+preload > numImages

			// Phase 1: gather the image tile, substituting zeros for pixels
			// that fall outside the image after padding.
			for tp := 0; tp < tilePixels; tp++ {
				fp := blockPixelOffset + tp
				pix := -1
				if fp < filterPixels {
					iy := topY + fp/g.FilterSize
					ix := topX + fp%g.FilterSize
					if iy >= 0 && iy < g.ImgSize && ix >= 0 && ix < g.ImgSize {
						pix = iy*g.ImgSize + ix
					}
				}
				for c := 0; c < colors; c++ {
					dst := shImages[(tp*colors+c)*preload:]
					if pix < 0 {
						clear(dst[:preload])
						continue
					}
					gatherCases(dst, imgData, (c*imgPixels+pix)*imgStride, caseStart, preload, numImages, checked)
				}
			}

			// Phase 2: gather the hidden-activation tile.
			for tf := 0; tf < tileFilters; tf++ {
				dst := shHidActs[tf*preload:]
				f := blockFilterOffset + tf
				if f >= g.NumFilters {
					clear(dst[:preload])
					continue
				}
				gatherCases(dst, hidData, (f*g.NumModules()+m)*hidStride, caseStart, preload, numImages, checked)
			}

			// Barrier, then phase 3: accumulate entirely out of scratch.
			for ty := 0; ty < cfg.BlockY; ty++ {
				for tx := 0; tx < cfg.BlockX; tx++ {
					accBase := (ty*cfg.BlockX + tx) * cfg.PixelsPerThread * colors * cfg.FiltersPerThread
					for i := 0; i < preload; i++ {
						for p := 0; p < cfg.PixelsPerThread; p++ {
							tp := p*cfg.BlockY + ty
							for c := 0; c < colors; c++ {
								iv := shImages[(tp*colors+c)*preload+i]
								a := accBase + (p*colors+c)*cfg.FiltersPerThread
								for f := 0; f < cfg.FiltersPerThread; f++ {
									acc[a+f] += iv * shHidActs[(f*cfg.BlockX+tx)*preload+i]
								}
							}
						}
					}
				}
			}
			// Barrier before the next batch-tile is staged.
		}
	}

	// Write back, only for true filter pixels and real filters.
	tData := targets.Data()
	tStride := targets.Stride()
	for ty := 0; ty < cfg.BlockY; ty++ {
		for tx := 0; tx < cfg.BlockX; tx++ {
			accBase := (ty*cfg.BlockX + tx) * cfg.PixelsPerThread * colors * cfg.FiltersPerThread
			for p := 0; p < cfg.PixelsPerThread; p++ {
				fp := blockPixelOffset + p*cfg.BlockY + ty
				if fp >= filterPixels {
					continue
				}
				for c := 0; c < colors; c++ {
					row := chunk*colors*filterPixels + c*filterPixels + fp
					for f := 0; f < cfg.FiltersPerThread; f++ {
						fIdx := blockFilterOffset + f*cfg.BlockX + tx
						if fIdx >= g.NumFilters {
							continue
						}
						v := acc[accBase+(p*colors+c)*cfg.FiltersPerThread+f]
						idx := row*tStride + fIdx
						if scaleTargets == 0 {
							tData[idx] = scaleOutput * v
						} else {
							tData[idx] = scaleTargets*tData[idx] + scaleOutput*v
						}
					}
				}
			}
		}
	}
}

// weightActsManyColorBlock is the >= 4 color scratch layout: a block owns a
// single filter pixel for BlockY*ColorsPerThread colors and
// BlockX*FiltersPerThread filters of one convolution group.
func weightActsManyColorBlock(cfg TileConfig, images, hidActs, targets *tensor.Matrix, g Geometry, sumWidth int, scaleTargets, scaleOutput float32, bx, by int) {
	filterColors := g.FilterColors()
	filterPixels := g.FilterPixels()
	imgPixels := g.ImgPixels()
	numImages := g.NumImages
	preload := cfg.PreloadCases

	colorBlocks := ceilDiv(filterColors, cfg.BlockY*cfg.ColorsPerThread)
	chunk := by / (filterPixels * colorBlocks)
	rem := by % (filterPixels * colorBlocks)
	fp := rem / colorBlocks
	blockColorOffset := (rem % colorBlocks) * cfg.BlockY * cfg.ColorsPerThread

	filterBlocksPerGroup := ceilDiv(g.FiltersPerGroup(), cfg.BlockX*cfg.FiltersPerThread)
	group := bx / filterBlocksPerGroup
	blockFilterOffset := group*g.FiltersPerGroup() + (bx%filterBlocksPerGroup)*cfg.BlockX*cfg.FiltersPerThread
	groupFilterEnd := (group + 1) * g.FiltersPerGroup()
	imgColorBase := group * filterColors

	tileColors := cfg.BlockY * cfg.ColorsPerThread
	tileFilters := cfg.BlockX * cfg.FiltersPerThread

	shImages := make([]float32, tileColors*preload)
	shHidActs := make([]float32, tileFilters*preload)
	acc := make([]float32, cfg.BlockY*cfg.BlockX*cfg.ColorsPerThread*cfg.FiltersPerThread)

	imgData := images.Data()
	imgStride := images.Stride()
	hidData := hidActs.Data()
	hidStride := hidActs.Stride()

	for m := chunk * sumWidth; m < (chunk+1)*sumWidth; m++ {
		topY, topX := g.moduleTopLeft(m)
		iy := topY + fp/g.FilterSize
		ix := topX + fp%g.FilterSize
		pix := -1
		if iy >= 0 && iy < g.ImgSize && ix >= 0 && ix < g.ImgSize {
			pix = iy*g.ImgSize + ix
		}
		for caseStart := 0; caseStart < numImages; caseStart += preload {
			checked := cfg.Checked || caseStart+preload > numImages

			// Phase 1: image tile for this block's color chunk.
			for tc := 0; tc < tileColors; tc++ {
				dst := shImages[tc*preload:]
				c := blockColorOffset + tc
				if pix < 0 || c >= filterColors {
					clear(dst[:preload])
					continue
				}
				gatherCases(dst, imgData, ((imgColorBase+c)*imgPixels+pix)*imgStride, caseStart, preload, numImages, checked)
			}

			// Phase 2: hidden-activation tile.
			for tf := 0; tf < tileFilters; tf++ {
				dst := shHidActs[tf*preload:]
				f := blockFilterOffset + tf
				if f >= groupFilterEnd {
					clear(dst[:preload])
					continue
				}
				gatherCases(dst, hidData, (f*g.NumModules()+m)*hidStride, caseStart, preload, numImages, checked)
			}

			// Barrier, then phase 3: accumulate out of scratch.
			for ty := 0; ty < cfg.BlockY; ty++ {
				for tx := 0; tx < cfg.BlockX; tx++ {
					accBase := (ty*cfg.BlockX + tx) * cfg.ColorsPerThread * cfg.FiltersPerThread
					for i := 0; i < preload; i++ {
						for cp := 0; cp < cfg.ColorsPerThread; cp++ {
							iv := shImages[(cp*cfg.BlockY+ty)*preload+i]
							a := accBase + cp*cfg.FiltersPerThread
							for f := 0; f < cfg.FiltersPerThread; f++ {
								acc[a+f] += iv * shHidActs[(f*cfg.BlockX+tx)*preload+i]
							}
						}
					}
				}
			}
		}
	}

	tData := targets.Data()
	tStride := targets.Stride()
	for ty := 0; ty < cfg.BlockY; ty++ {
		for tx := 0; tx < cfg.BlockX; tx++ {
			accBase := (ty*cfg.BlockX + tx) * cfg.ColorsPerThread * cfg.FiltersPerThread
			for cp := 0; cp < cfg.ColorsPerThread; cp++ {
				c := blockColorOffset + cp*cfg.BlockY + ty
				if c >= filterColors {
					continue
				}
				row := chunk*filterColors*filterPixels + c*filterPixels + fp
				for f := 0; f < cfg.FiltersPerThread; f++ {
					fIdx := blockFilterOffset + f*cfg.BlockX + tx
					if fIdx >= groupFilterEnd {
						continue
					}
					v := acc[accBase+cp*cfg.FiltersPerThread+f]
					idx := row*tStride + fIdx
					if scaleTargets == 0 {
						tData[idx] = scaleOutput * v
					} else {
						tData[idx] = scaleTargets*tData[idx] + scaleOutput*v
					}
				}
			}
		}
	}
}
