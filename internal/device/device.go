// Package device executes grids of cooperative blocks on a bounded worker
// pool. It is the in-process stand-in for the massively parallel device the
// kernel family targets: blocks are fully independent (no cross-block
// synchronization), while barriers inside a block are realized as phase
// boundaries in the block body.
package device

import (
	"runtime"
	"sync"
)

// Config controls kernel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Number of worker goroutines to use.
	MinBlocks  int  // Minimum blocks per launch before going parallel.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
		MinBlocks:  4,
	}
}

// Sequential returns a config that runs every launch on the calling
// goroutine. Useful in tests that need deterministic scheduling.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinBlocks: 1}
}

// Grid is a 2-D launch geometry: X*Y independent blocks.
type Grid struct {
	X int
	Y int
}

// Blocks returns the total number of blocks in the grid.
func (g Grid) Blocks() int {
	return g.X * g.Y
}

// Launch runs body(bx, by) once for every block in the grid.
//
// Blocks may run concurrently and in any order; the body must not assume any
// ordering between blocks and must not share mutable state across blocks
// except through disjoint output regions. Launch returns only after every
// block has completed, giving the caller the happens-before edge between
// successive launches on the controlling goroutine.
func Launch(grid Grid, cfg Config, body func(bx, by int)) {
	n := grid.Blocks()
	if !cfg.Enabled || n < cfg.MinBlocks {
		for by := 0; by < grid.Y; by++ {
			for bx := 0; bx < grid.X; bx++ {
				body(bx, by)
			}
		}
		return
	}

	workers := cfg.NumWorkers
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	next := make(chan int, n)
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				body(i%grid.X, i/grid.X)
			}
		}()
	}
	wg.Wait()
}

// For executes f(i) for i in [0, n) with optional parallelism. Used by the
// lighter elementwise and per-image kernels that have no intra-block
// cooperation.
func For(n int, cfg Config, f func(i int)) {
	if !cfg.Enabled || n < cfg.MinBlocks {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (n + cfg.NumWorkers - 1) / cfg.NumWorkers
	if chunk < 1 {
		chunk = 1
	}
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
