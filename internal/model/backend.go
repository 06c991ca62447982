package model

import "github.com/Brownie44l1/snap-classifier/internal/tensor"

// Backend is a numeric runtime able to build graphs from a model bundle.
type Backend interface {
	// Name matches the descriptor's format field.
	Name() string
	// Init performs one-time platform setup.
	Init() error
	// Load constructs a graph from located assets.
	Load(assets Assets) (Graph, error)
	// Shutdown tears down what Init set up.
	Shutdown() error
}

// Graph is a constructed model. Runs must not overlap.
type Graph interface {
	// Run executes one forward pass. The output is allocated from mem and
	// owned by the caller; intermediate buffers are released before return.
	Run(mem *tensor.Memory, input *tensor.Tensor) (*tensor.Tensor, error)
	Close() error
}
