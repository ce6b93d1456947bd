package kernels

import (
	"fmt"

	"github.com/convnet-ml/convnet/internal/device"
)

// TileConfig selects one member of the weight-gradient kernel family. The
// selection table lives at run time and a single routine per scratch layout
// consumes it. Correctness is invariant across configurations; only memory
// traffic differs.
type TileConfig struct {
	BlockY           int  // thread rows per cooperative block
	BlockX           int  // thread columns per cooperative block
	PixelsPerThread  int  // filter pixels per thread (few-color path only)
	ColorsPerThread  int  // color channels per thread (many-color path only)
	FiltersPerThread int  // filters per thread column
	PreloadCases     int  // batch-tile size staged through scratch (16 or 32)
	Checked          bool // batch size not divisible by PreloadCases
	ManyColors       bool // selects the many-color scratch layout
}

// String names the configuration the way a kernel instantiation would be
// named, for diagnostics and test output.
func (c TileConfig) String() string {
	path := "c"
	if c.ManyColors {
		path = "mc"
	}
	return fmt.Sprintf("weight_acts_%s<%d,%d,p%d,c%d,f%d,pre%d,chk=%v>",
		path, c.BlockY, c.BlockX, c.PixelsPerThread, c.ColorsPerThread, c.FiltersPerThread, c.PreloadCases, c.Checked)
}

// PickWeightActsConfig is the pure dispatch function from problem shape to
// tiling configuration.
//
// Few-color inputs (filterColors <= 3, the RGB-like regime) take a
// pixels-by-filters tile with all colors held per thread; grouped
// convolutions are rejected there because the few-color scratch layout
// assumes the full image color set. Many-color inputs take a
// colors-by-filters tile, one filter pixel per block.
func PickWeightActsConfig(numFilters, numFilterColors, numImages, numGroups int) TileConfig {
	if numFilters <= 0 || numFilterColors <= 0 || numImages <= 0 || numGroups <= 0 {
		panic(fmt.Sprintf("kernels: invalid dispatch shape (filters=%d, colors=%d, images=%d, groups=%d)",
			numFilters, numFilterColors, numImages, numGroups))
	}

	cfg := TileConfig{PreloadCases: 16, Checked: true}
	switch {
	case numImages%32 == 0:
		cfg.PreloadCases, cfg.Checked = 32, false
	case numImages%16 == 0:
		cfg.PreloadCases, cfg.Checked = 16, false
	}

	cfg.FiltersPerThread = 1
	if numFilters > 32 {
		cfg.FiltersPerThread = 2
	}

	if numFilterColors <= 3 {
		if numGroups != 1 {
			panic(fmt.Sprintf("kernels: grouped convolution requires > 3 colors per group, got %d colors in %d groups",
				numFilterColors, numGroups))
		}
		cfg.BlockY, cfg.BlockX = 16, 8
		cfg.PixelsPerThread = 2
		return cfg
	}

	if numFilterColors%4 != 0 {
		panic(fmt.Sprintf("kernels: filterColors %d > 3 must be divisible by 4", numFilterColors))
	}
	cfg.ManyColors = true
	cfg.BlockY, cfg.BlockX = 8, 16
	cfg.ColorsPerThread = 4
	if numFilterColors%(8*cfg.BlockY) == 0 {
		cfg.ColorsPerThread = 8
	}
	return cfg
}

// weightActsGrid computes the launch geometry for a configuration. The X
// dimension partitions filters group by group; the Y dimension partitions
// (module chunk, pixel block) for the few-color path and (module chunk,
// filter pixel, color block) for the many-color path. Together with the
// per-thread partition inside a block, every target element is covered by
// exactly one thread.
func weightActsGrid(cfg TileConfig, g Geometry, numModuleChunks int) device.Grid {
	filterBlocksPerGroup := ceilDiv(g.FiltersPerGroup(), cfg.BlockX*cfg.FiltersPerThread)
	grid := device.Grid{X: g.NumGroups * filterBlocksPerGroup}
	if cfg.ManyColors {
		colorBlocks := ceilDiv(g.FilterColors(), cfg.BlockY*cfg.ColorsPerThread)
		grid.Y = numModuleChunks * g.FilterPixels() * colorBlocks
	} else {
		pixelBlocks := ceilDiv(g.FilterPixels(), cfg.BlockY*cfg.PixelsPerThread)
		grid.Y = numModuleChunks * pixelBlocks
	}
	return grid
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
