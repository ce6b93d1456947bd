package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convnet-ml/convnet/internal/device"
	"github.com/convnet-ml/convnet/internal/tensor"
)

// spyLayer is an identity layer that records its forward and backward
// calls, used to observe the propagation protocol from inside a net.
type spyLayer struct {
	layerBase
	log *[]string
}

func newSpy(name string, log *[]string) *spyLayer {
	return &spyLayer{
		layerBase: newLayerBase(name, Kind("spy"), true, true),
		log:       log,
	}
}

func (s *spyLayer) forward(inputs []*tensor.Matrix) {
	*s.log = append(*s.log, "f:"+s.name)
	in := inputs[0]
	ensureShape(s.acts, in.Rows(), in.Cols())
	s.acts.CopyFrom(in)
}

func (s *spyLayer) backwardActs(pred Layer, _ int, scaleTargets float32) {
	*s.log = append(*s.log, fmt.Sprintf("b:%s->%s@%g", s.name, pred.Name(), scaleTargets))
	pg := pred.ActsGrad()
	if scaleTargets == 0 {
		ensureShape(pg, s.actsGrad.Rows(), s.actsGrad.Cols())
		pg.Zero()
	}
	for r := 0; r < s.actsGrad.Rows(); r++ {
		for c := 0; c < s.actsGrad.Cols(); c++ {
			pg.Set(r, c, pg.At(r, c)+s.actsGrad.At(r, c))
		}
	}
}

func testConfig() TrainConfig {
	return TrainConfig{Device: device.Sequential(), SaveActs: true}
}

// diamondNet builds data -> s1 -> {sa, sb} -> join -> cost, with all spy
// activations the same 3 x numImages shape so the identity passes compose.
func diamondNet(t *testing.T, log *[]string) *Net {
	t.Helper()
	n := NewNet(testConfig())
	require.NoError(t, n.Add(NewDataLayer("data", 3)))
	require.NoError(t, n.Add(newSpy("s1", log), "data"))
	require.NoError(t, n.Add(newSpy("sa", log), "s1"))
	require.NoError(t, n.Add(newSpy("sb", log), "s1"))
	require.NoError(t, n.Add(newSpy("join", log), "sa", "sb"))
	require.NoError(t, n.Add(NewLogregCostLayer("cost", 1), "join"))
	return n
}

func diamondBatch(numImages int, rng *rand.Rand) (input, labels *tensor.Matrix) {
	input = tensor.NewMatrix(3, numImages)
	for i := range input.Data() {
		input.Data()[i] = float32(rng.NormFloat64())
	}
	labels = tensor.NewMatrix(1, numImages)
	for i := 0; i < numImages; i++ {
		labels.Set(0, i, float32(rng.Intn(3)))
	}
	return input, labels
}

func indexOf(log []string, ev string) int {
	for i, e := range log {
		if e == ev {
			return i
		}
	}
	return -1
}

func TestNet_DiamondOrdering(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	rng := rand.New(rand.NewSource(1))
	input, labels := diamondBatch(4, rng)
	n.Layer("cost").(*CostLayer).SetLabels(labels)

	n.FProp(map[string]*tensor.Matrix{"data": input})
	n.BProp()

	// Forward: every layer exactly once, each strictly after its
	// predecessors.
	for _, name := range []string{"s1", "sa", "sb", "join"} {
		count := 0
		for _, e := range log {
			if e == "f:"+name {
				count++
			}
		}
		assert.Equal(t, 1, count, "layer %s forward count", name)
	}
	assert.Less(t, indexOf(log, "f:s1"), indexOf(log, "f:sa"))
	assert.Less(t, indexOf(log, "f:s1"), indexOf(log, "f:sb"))
	assert.Less(t, indexOf(log, "f:sa"), indexOf(log, "f:join"))
	assert.Less(t, indexOf(log, "f:sb"), indexOf(log, "f:join"))

	// Backward: the first branch to report into s1 writes (scale 0), the
	// second accumulates (scale 1), and s1's own backward waits for both.
	assert.Contains(t, log, "b:sa->s1@0")
	assert.Contains(t, log, "b:sb->s1@1")
	assert.Less(t, indexOf(log, "b:join->sa@0"), indexOf(log, "b:sa->s1@0"))
	assert.Less(t, indexOf(log, "b:join->sb@0"), indexOf(log, "b:sb->s1@1"))
}

func TestNet_DiamondGradAccumulation(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	rng := rand.New(rand.NewSource(2))
	input, labels := diamondBatch(4, rng)
	n.Layer("cost").(*CostLayer).SetLabels(labels)

	n.FProp(map[string]*tensor.Matrix{"data": input})
	n.BProp()

	// Both identity branches relay the same cost seed, so the fan-in point
	// accumulates exactly twice the seed.
	seed := n.Layer("join").ActsGrad()
	got := n.Layer("s1").ActsGrad()
	require.True(t, got.SameShape(seed))
	for r := 0; r < seed.Rows(); r++ {
		for c := 0; c < seed.Cols(); c++ {
			assert.InDelta(t, 2*seed.At(r, c), got.At(r, c), 1e-6)
		}
	}
}

func TestNet_RepeatedStepsReset(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	rng := rand.New(rand.NewSource(3))
	input, labels := diamondBatch(4, rng)
	n.Layer("cost").(*CostLayer).SetLabels(labels)

	data := map[string]*tensor.Matrix{"data": input}
	n.FProp(data)
	n.BProp()
	first := n.Cost()

	// Counters reset at FProp, so a second step runs clean.
	n.FProp(data)
	n.BProp()
	assert.InDelta(t, first, n.Cost(), 1e-9)
}

func TestNet_DoubleBPropPanics(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	rng := rand.New(rand.NewSource(4))
	input, labels := diamondBatch(2, rng)
	n.Layer("cost").(*CostLayer).SetLabels(labels)

	n.FProp(map[string]*tensor.Matrix{"data": input})
	n.BProp()
	assert.Panics(t, func() { n.BProp() })
}

func TestNet_BPropBeforeFPropPanics(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	assert.Panics(t, func() { n.BProp() })
}

func TestNet_AddErrors(t *testing.T) {
	n := NewNet(testConfig())
	var log []string
	require.NoError(t, n.Add(NewDataLayer("data", 3)))

	err := n.Add(NewDataLayer("data", 3))
	assert.ErrorContains(t, err, "duplicate")

	err = n.Add(newSpy("s", &log), "nope")
	assert.ErrorContains(t, err, "unknown predecessor")

	err = n.Add(NewDataLayer("data2", 3), "data")
	assert.ErrorContains(t, err, "cannot have predecessors")
}

func TestNet_NoCostPanics(t *testing.T) {
	n := NewNet(testConfig())
	require.NoError(t, n.Add(NewDataLayer("data", 3)))
	assert.Panics(t, func() {
		n.FProp(map[string]*tensor.Matrix{"data": tensor.NewMatrix(3, 1)})
	})
}

func TestNet_MissingDataInputPanics(t *testing.T) {
	var log []string
	n := diamondNet(t, &log)
	assert.Panics(t, func() {
		n.FProp(map[string]*tensor.Matrix{})
	})
}

func TestNet_UnreachableLayerPanics(t *testing.T) {
	var log []string
	n := NewNet(testConfig())
	require.NoError(t, n.Add(NewDataLayer("data", 3)))
	require.NoError(t, n.Add(NewLogregCostLayer("cost", 1), "data"))
	// A layer added with no predecessors never receives a forward input.
	require.NoError(t, n.Add(newSpy("orphan", &log)))

	labels := tensor.NewMatrix(1, 2)
	n.Layer("cost").(*CostLayer).SetLabels(labels)
	assert.Panics(t, func() {
		n.FProp(map[string]*tensor.Matrix{"data": tensor.NewMatrix(3, 2)})
	})
}
