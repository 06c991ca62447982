// Package onnx runs bundled .onnx classifiers through ONNX Runtime.
package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

// Format is the descriptor format handled by this backend.
const Format = "onnx"

const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// Options configures the ONNX Runtime environment.
type Options struct {
	// SharedLibraryPath locates the onnxruntime shared library. Empty uses
	// the platform default search.
	SharedLibraryPath string
	// IntraOpThreads caps the threads used inside one operator. Zero keeps
	// the runtime default.
	IntraOpThreads int
}

// Backend owns the process-wide ONNX Runtime environment.
type Backend struct {
	opts   Options
	logger *zap.Logger
}

// New returns an ONNX Backend.
func New(opts Options, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{opts: opts, logger: logger}
}

func (*Backend) Name() string { return Format }

func (b *Backend) Init() error {
	if ort.IsInitialized() {
		return nil
	}
	if b.opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(b.opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	b.logger.Info("onnx runtime initialized", zap.String("library", b.opts.SharedLibraryPath))
	return nil
}

func (b *Backend) Shutdown() error {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
	return nil
}

// Load creates a session over the weights blob with input and output
// tensors bound once and reused by every run.
func (b *Backend) Load(assets model.Assets) (model.Graph, error) {
	meta := assets.Metadata
	inputName, outputName := nodeNames(meta)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := b.sessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	if options != nil {
		defer options.Destroy()
	}

	session, err := ort.NewAdvancedSessionWithONNXData(assets.Weights,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session (check input/output names %q/%q): %w",
			inputName, outputName, err)
	}

	b.logger.Debug("onnx session created",
		zap.String("input", inputName),
		zap.String("output", outputName),
		zap.Int("model_bytes", len(assets.Weights)))

	return &graph{
		session:      session,
		inputShape:   tensor.Shape(meta.InputShape),
		outputShape:  tensor.Shape(meta.OutputShape),
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *Backend) sessionOptions() (*ort.SessionOptions, error) {
	if b.opts.IntraOpThreads <= 0 {
		return nil, nil
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(b.opts.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	return options, nil
}

func nodeNames(meta model.Metadata) (string, string) {
	in, out := meta.InputName, meta.OutputName
	if in == "" {
		in = defaultInputName
	}
	if out == "" {
		out = defaultOutputName
	}
	return in, out
}

type graph struct {
	session      *ort.AdvancedSession
	inputShape   tensor.Shape
	outputShape  tensor.Shape
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (g *graph) Run(mem *tensor.Memory, input *tensor.Tensor) (*tensor.Tensor, error) {
	if g.session == nil {
		return nil, fmt.Errorf("session is closed")
	}
	if !input.Shape().Equal(g.inputShape) {
		return nil, fmt.Errorf("input shape %v, session expects %v", input.Shape(), g.inputShape)
	}
	copy(g.inputTensor.GetData(), input.Data())

	if err := g.session.Run(); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}
	return mem.FromData(g.outputShape, g.outputTensor.GetData())
}

func (g *graph) Close() error {
	if g.inputTensor != nil {
		g.inputTensor.Destroy()
	}
	if g.outputTensor != nil {
		g.outputTensor.Destroy()
	}
	if g.session != nil {
		g.session.Destroy()
	}
	g.session = nil
	return nil
}
