// Package model owns the classifier's lifecycle: platform setup, loading
// and warming the bundled model, and running predictions on it.
package model

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

// State is a lifecycle stage of a Manager.
type State int32

const (
	Uninitialized State = iota
	PlatformReady
	ModelLoading
	Warming
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case PlatformReady:
		return "platform_ready"
	case ModelLoading:
		return "model_loading"
	case Warming:
		return "warming"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Model is a loaded, warmed graph together with its label list.
type Model struct {
	meta   Metadata
	labels []string
	graph  Graph
	owner  *Manager
	closed atomic.Bool
}

// Labels returns the class labels in output order.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

// InputShape is the exact tensor shape Predict accepts.
func (m *Model) InputShape() tensor.Shape {
	return append(tensor.Shape(nil), m.meta.InputShape...)
}

// ImageSize is the square spatial resolution of the input.
func (m *Model) ImageSize() int {
	return m.meta.ImageSize
}

// Config holds what a Manager needs to find and run its model.
type Config struct {
	Backend Backend
	// Assets holds the descriptor and the files it references.
	Assets fs.FS
	// Descriptor is the descriptor path inside Assets. Empty means DefaultDescriptor.
	Descriptor string
	Memory     *tensor.Memory
	Logger     *zap.Logger
}

// Manager initializes the backend once, loads and caches one model, and
// serializes predictions on it. Build one per process and share it.
type Manager struct {
	backend    Backend
	assets     fs.FS
	descriptor string
	mem        *tensor.Memory
	logger     *zap.Logger

	initMu        sync.Mutex
	mu            sync.Mutex
	platformReady bool
	state         State
	progress      int
	err           error
	model         *Model
	// gen changes on every Close so loads started earlier can tell.
	gen uint64

	loads singleflight.Group
	runMu sync.Mutex
}

// NewManager returns a Manager in the Uninitialized state.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := cfg.Memory
	if mem == nil {
		mem = tensor.NewMemory(0)
	}
	return &Manager{
		backend:    cfg.Backend,
		assets:     cfg.Assets,
		descriptor: cfg.Descriptor,
		mem:        mem,
		logger:     logger.With(zap.String("backend", cfg.Backend.Name())),
	}
}

// Memory returns the tensor memory shared with the backend.
func (m *Manager) Memory() *tensor.Memory {
	return m.mem
}

// State returns the current lifecycle stage.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress returns the last reported load percentage.
func (m *Manager) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Err returns the error that moved the manager to Failed, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Model returns the cached model, or nil before a successful load.
func (m *Manager) Model() *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// EnsurePlatformReady runs backend setup once. It reports failure by
// returning false; the cause is logged and available from Err. A later call
// after a failure tries again.
func (m *Manager) EnsurePlatformReady() bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	ready := m.platformReady
	m.mu.Unlock()
	if ready {
		return true
	}

	if err := m.initBackend(); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrPlatformInit, m.backend.Name(), err)
		m.logger.Error("platform initialization failed", zap.Error(err))
		m.fail(err)
		return false
	}

	m.mu.Lock()
	m.platformReady = true
	m.state = PlatformReady
	m.err = nil
	m.mu.Unlock()
	m.logger.Info("platform ready")
	return true
}

func (m *Manager) initBackend() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.backend.Init()
}

// LoadModel returns the cached model, loading it first if needed. onProgress
// receives 10, 30, 80 and 100 as loading advances; it is not called when
// the model is already cached. Concurrent callers share one load, and only
// the caller that started it receives progress.
func (m *Manager) LoadModel(onProgress func(percent int)) (*Model, error) {
	if model := m.Model(); model != nil {
		return model, nil
	}
	v, err, _ := m.loads.Do("model", func() (any, error) {
		if model := m.Model(); model != nil {
			return model, nil
		}
		return m.load(onProgress)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Initialize runs platform setup followed by LoadModel.
func (m *Manager) Initialize(onProgress func(percent int)) (*Model, error) {
	if !m.EnsurePlatformReady() {
		return nil, m.Err()
	}
	return m.LoadModel(onProgress)
}

func (m *Manager) load(onProgress func(int)) (*Model, error) {
	start := time.Now()
	report := func(p int) {
		m.mu.Lock()
		m.progress = p
		m.mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	}

	m.mu.Lock()
	ready := m.platformReady
	gen := m.gen
	if ready {
		m.state = ModelLoading
		m.progress = 0
	}
	m.mu.Unlock()
	if !ready {
		return nil, m.loadFailed(errors.New("platform is not ready"))
	}
	report(10)

	assets, labels, err := ReadAssets(m.assets, m.descriptor)
	if err != nil {
		return nil, m.loadFailed(err)
	}
	if assets.Metadata.Format != m.backend.Name() {
		return nil, m.loadFailed(fmt.Errorf("model format %q cannot run on the %s backend",
			assets.Metadata.Format, m.backend.Name()))
	}
	report(30)

	graph, err := m.buildGraph(assets)
	if err != nil {
		return nil, m.loadFailed(fmt.Errorf("failed to construct graph: %w", err))
	}
	if m.closedSince(gen) {
		_ = graph.Close()
		return nil, m.closedDuringLoad()
	}
	model := &Model{meta: assets.Metadata, labels: labels, graph: graph, owner: m}
	report(80)

	m.setState(Warming)
	if err := m.warmUp(model); err != nil {
		_ = graph.Close()
		return nil, m.loadFailed(fmt.Errorf("warm-up failed: %w", err))
	}

	m.mu.Lock()
	if m.gen != gen || !m.platformReady {
		m.mu.Unlock()
		_ = graph.Close()
		return nil, m.closedDuringLoad()
	}
	m.model = model
	m.state = Ready
	m.err = nil
	m.mu.Unlock()
	report(100)

	m.logger.Info("model loaded",
		zap.Strings("classes", labels),
		zap.Int64s("input_shape", assets.Metadata.InputShape),
		zap.Duration("elapsed", time.Since(start)))
	return model, nil
}

func (m *Manager) buildGraph(assets Assets) (g Graph, err error) {
	defer func() {
		if r := recover(); r != nil {
			g, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return m.backend.Load(assets)
}

// warmUp runs a zero input through the graph so lazy allocations happen
// before the first real prediction.
func (m *Manager) warmUp(model *Model) error {
	dummy, err := m.mem.Zeros(model.InputShape())
	if err != nil {
		return err
	}
	defer dummy.Release()

	m.runMu.Lock()
	defer m.runMu.Unlock()
	out, err := m.run(model, dummy)
	if err != nil {
		return err
	}
	out.Release()
	return nil
}

// Predict runs one forward pass and pairs each output value with its label.
// The input is released on every path. A failure here leaves the cached
// model usable.
func (m *Manager) Predict(model *Model, input *tensor.Tensor) (PredictionResult, error) {
	defer input.Release()

	switch {
	case model == nil || model.owner != m:
		return nil, fmt.Errorf("%w: invalid model handle", ErrInference)
	case model.closed.Load():
		return nil, fmt.Errorf("%w: model has been closed", ErrInference)
	case input == nil || input.Released():
		return nil, fmt.Errorf("%w: missing input tensor", ErrInference)
	case !input.Shape().Equal(model.InputShape()):
		return nil, fmt.Errorf("%w: input shape %v does not match model input %v",
			ErrInference, input.Shape(), model.InputShape())
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()

	output, err := m.run(model, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer output.Release()

	probs := output.Data()
	if len(probs) != len(model.labels) {
		return nil, fmt.Errorf("%w: output has %d values for %d labels", ErrInference, len(probs), len(model.labels))
	}

	result := make(PredictionResult, len(probs))
	for i, p := range probs {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return nil, fmt.Errorf("%w: non-finite output %v for %q", ErrInference, p, model.labels[i])
		}
		result[i] = Prediction{
			Label:       model.labels[i],
			Probability: p,
			Confidence:  FormatConfidence(p),
		}
	}
	return result, nil
}

func (m *Manager) run(model *Model, input *tensor.Tensor) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	out, err = model.graph.Run(m.mem, input)
	if err == nil && out == nil {
		err = errors.New("backend returned no output")
	}
	return out, err
}

// Close releases the cached model and tears down the platform. The manager
// returns to Uninitialized and can be initialized again.
func (m *Manager) Close() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	model := m.model
	ready := m.platformReady
	m.model = nil
	m.platformReady = false
	m.gen++
	m.state = Uninitialized
	m.progress = 0
	m.err = nil
	m.mu.Unlock()

	var errs []error
	if model != nil {
		model.closed.Store(true)
		errs = append(errs, model.graph.Close())
	}
	if ready {
		errs = append(errs, m.backend.Shutdown())
	}
	return errors.Join(errs...)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = Failed
	m.err = err
	m.mu.Unlock()
}

func (m *Manager) closedSince(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen || !m.platformReady
}

// closedDuringLoad leaves the state Close set.
func (m *Manager) closedDuringLoad() error {
	err := fmt.Errorf("%w: manager closed during load", ErrModelLoad)
	m.logger.Warn("discarding model", zap.Error(err))
	return err
}

func (m *Manager) loadFailed(err error) error {
	err = fmt.Errorf("%w: %w", ErrModelLoad, err)
	m.logger.Error("model load failed", zap.Error(err))
	m.fail(err)
	return err
}
