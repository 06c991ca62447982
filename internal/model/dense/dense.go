// Package dense is a pure-Go backend for small sequential classifiers
// described by a JSON topology and a raw weights blob.
package dense

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

// Format is the descriptor format handled by this backend.
const Format = "dense"

// Backend builds graphs that run on the Go heap.
type Backend struct {
	logger *zap.Logger
}

// New returns a dense Backend.
func New(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{logger: logger}
}

func (*Backend) Name() string { return Format }

// Init has nothing to set up; the backend runs in process.
func (b *Backend) Init() error {
	b.logger.Debug("dense backend ready")
	return nil
}

func (*Backend) Shutdown() error { return nil }

// Load parses the weights and checks that the layers chain from the
// declared input shape to the declared output shape.
func (b *Backend) Load(assets model.Assets) (model.Graph, error) {
	meta := assets.Metadata
	if len(meta.Layers) == 0 {
		return nil, fmt.Errorf("descriptor declares no layers")
	}
	weights, err := readWeights(assets.Weights, meta.Weights)
	if err != nil {
		return nil, err
	}

	g := &graph{inputShape: tensor.Shape(meta.InputShape)}
	shape := g.inputShape
	for i, def := range meta.Layers {
		l, err := newLayer(def, weights)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if shape, err = l.outputShape(shape); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, l.name(), err)
		}
		g.layers = append(g.layers, l)
	}
	if !shape.Equal(tensor.Shape(meta.OutputShape)) {
		return nil, fmt.Errorf("layers produce %v, descriptor declares output_shape %v", shape, meta.OutputShape)
	}

	b.logger.Debug("dense graph constructed",
		zap.Int("layers", len(g.layers)),
		zap.Int("weights", len(weights)))
	return g, nil
}

type graph struct {
	inputShape tensor.Shape
	layers     []layer
}

func (g *graph) Run(mem *tensor.Memory, input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(g.layers) == 0 {
		return nil, fmt.Errorf("graph is closed")
	}
	if !input.Shape().Equal(g.inputShape) {
		return nil, fmt.Errorf("input shape %v, graph expects %v", input.Shape(), g.inputShape)
	}
	x := input
	for i, l := range g.layers {
		y, err := l.apply(mem, x)
		if x != input {
			x.Release()
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, l.name(), err)
		}
		x = y
	}
	return x, nil
}

func (g *graph) Close() error {
	g.layers = nil
	return nil
}
