// Package main provides the convnet training-core CLI.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/convnet-ml/convnet/internal/graph"
	"github.com/convnet-ml/convnet/internal/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("convnet training core %s\n", version)
			return
		case "demo":
			if err := runDemo(); err != nil {
				fmt.Fprintf(os.Stderr, "demo: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Println("convnet - convolutional network training core")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  demo       Train a small model on synthetic data")
}

// runDemo trains data -> conv -> fc -> cost on a synthetic batch and prints
// the cost trajectory.
func runDemo() error {
	const (
		numImages = 32
		imgSize   = 8
		channels  = 1
		classes   = 4
	)

	rng := rand.New(rand.NewSource(1))
	n := graph.NewNet(graph.DefaultTrainConfig())
	if err := n.Add(graph.NewDataLayer("data", channels*imgSize*imgSize)); err != nil {
		return err
	}
	conv := graph.NewConvLayer("conv", graph.ConvConfig{
		Channels:     channels,
		ImgSize:      imgSize,
		FilterSize:   3,
		Padding:      1,
		Stride:       1,
		NumFilters:   8,
		SharedBiases: true,
		Neuron:       graph.ReLU,
		InitW:        0.1,
	}, rng)
	if err := n.Add(conv, "data"); err != nil {
		return err
	}
	if err := n.Add(graph.NewFCLayer("fc", 8*imgSize*imgSize, classes, graph.Identity, 0.1, rng), "conv"); err != nil {
		return err
	}
	if err := n.Add(graph.NewLogregCostLayer("cost", 1), "fc"); err != nil {
		return err
	}

	input := tensor.NewMatrix(channels*imgSize*imgSize, numImages)
	for i := range input.Data() {
		input.Data()[i] = float32(rng.NormFloat64())
	}
	labels := tensor.NewMatrix(1, numImages)
	for i := 0; i < numImages; i++ {
		labels.Set(0, i, float32(rng.Intn(classes)))
	}
	n.Layer("cost").(*graph.CostLayer).SetLabels(labels)

	batch := map[string]*tensor.Matrix{"data": input}
	for step := 0; step < 50; step++ {
		n.FProp(batch)
		n.BProp()
		n.UpdateWeights(0.01, 0.9)
		if step%10 == 0 {
			fmt.Printf("step %3d  cost %.4f\n", step, n.Cost())
		}
	}
	n.FProp(batch)
	fmt.Printf("final     cost %.4f\n", n.Cost())
	return nil
}
