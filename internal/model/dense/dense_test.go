package dense

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/model/modeltest"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

func loadRGB(t *testing.T, size int) model.Graph {
	t.Helper()
	g, err := New(nil).Load(model.Assets{
		Metadata: modeltest.RGBMetadata(size),
		Weights:  modeltest.RGBWeights(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func fill(t *testing.T, mem *tensor.Memory, size int, rgb [3]float32) *tensor.Tensor {
	t.Helper()
	x, err := mem.Zeros(tensor.Shape{1, int64(size), int64(size), 3})
	require.NoError(t, err)
	for i := range x.Data() {
		x.Data()[i] = rgb[i%3]
	}
	return x
}

func TestGraph_Run(t *testing.T) {
	g := loadRGB(t, 8)
	mem := tensor.NewMemory(0)

	testCases := []struct {
		name string
		rgb  [3]float32
		want []float32
	}{
		{name: "zeros", rgb: [3]float32{0, 0, 0}, want: []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}},
		{name: "red", rgb: [3]float32{1, 0, 0}, want: []float32{0.99990916, 4.5397868e-05, 4.5397868e-05}},
		{name: "blue", rgb: [3]float32{0, 0, 1}, want: []float32{4.5397868e-05, 4.5397868e-05, 0.99990916}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x := fill(t, mem, 8, tc.rgb)
			defer x.Release()

			out, err := g.Run(mem, x)
			require.NoError(t, err)
			defer out.Release()

			assert.Equal(t, tensor.Shape{1, 3}, out.Shape())
			if diff := cmp.Diff(tc.want, out.Data(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
			// Input and output only; every intermediate was released.
			assert.Equal(t, 2, mem.Stats().NumTensors)
		})
	}
	assert.Equal(t, tensor.Stats{}, mem.Stats())
}

func TestGraph_RunRejectsShape(t *testing.T) {
	g := loadRGB(t, 8)
	mem := tensor.NewMemory(0)

	x := fill(t, mem, 4, [3]float32{})
	defer x.Release()

	_, err := g.Run(mem, x)
	assert.ErrorContains(t, err, "graph expects [1,8,8,3]")
	assert.Equal(t, 1, mem.Stats().NumTensors)
}

func TestGraph_RunAfterClose(t *testing.T) {
	g := loadRGB(t, 2)
	require.NoError(t, g.Close())

	mem := tensor.NewMemory(0)
	x := fill(t, mem, 2, [3]float32{})
	defer x.Release()

	_, err := g.Run(mem, x)
	assert.Error(t, err)
}

func TestGraph_ReleasesIntermediatesOnError(t *testing.T) {
	g := loadRGB(t, 8)
	x := fill(t, tensor.NewMemory(0), 8, [3]float32{1, 1, 1})
	defer x.Release()

	// Room for the pooled [1,3] tensor only, so the dense output fails.
	mem := tensor.NewMemory(12)
	_, err := g.Run(mem, x)
	assert.ErrorIs(t, err, tensor.ErrAllocation)
	assert.Equal(t, tensor.Stats{}, mem.Stats())
}

func TestBackend_LoadChain(t *testing.T) {
	meta := model.Metadata{
		Format:      Format,
		InputShape:  []int64{1, 2, 2, 3},
		OutputShape: []int64{1, 2},
		Layers: []model.Layer{
			{Type: "rescaling", Scale: 2, Offset: -1},
			{Type: "flatten"},
			{Type: "dense", Activation: "relu", Kernel: "k"},
			{Type: "activation", Activation: "sigmoid"},
		},
		Weights: []model.WeightSpec{
			{Name: "k", Shape: []int64{12, 2}, DType: "float16"},
		},
	}
	kernel := make([]float32, 24)
	for i := 0; i < 12; i++ {
		kernel[2*i] = 1
		kernel[2*i+1] = -1
	}
	blob := make([]byte, 0, 48)
	for _, v := range kernel {
		blob = binary.LittleEndian.AppendUint16(blob, float16.Fromfloat32(v).Bits())
	}

	g, err := New(nil).Load(model.Assets{Metadata: meta, Weights: blob})
	require.NoError(t, err)

	mem := tensor.NewMemory(0)
	x := fill(t, mem, 2, [3]float32{1, 1, 1})
	defer x.Release()

	out, err := g.Run(mem, x)
	require.NoError(t, err)
	defer out.Release()

	// rescaled to 1s: relu(12) and relu(-12), then sigmoid.
	assert.InDeltaSlice(t, []float32{0.99999386, 0.5}, out.Data(), 1e-6)
}

func TestBackend_LoadErrors(t *testing.T) {
	base := modeltest.RGBMetadata(4)

	testCases := []struct {
		name    string
		mutate  func(*model.Metadata)
		weights []byte
		msg     string
	}{
		{name: "truncated weights", weights: modeltest.RGBWeights()[:20], msg: "truncated"},
		{name: "trailing bytes", weights: append(modeltest.RGBWeights(), 0, 0, 0, 0), msg: "accounts for 48"},
		{
			name:   "no layers",
			mutate: func(m *model.Metadata) { m.Layers = nil },
			msg:    "no layers",
		},
		{
			name:   "unknown layer",
			mutate: func(m *model.Metadata) { m.Layers[0].Type = "conv2d" },
			msg:    `unsupported layer type "conv2d"`,
		},
		{
			name:   "unknown activation",
			mutate: func(m *model.Metadata) { m.Layers[1].Activation = "gelu" },
			msg:    `unsupported activation "gelu"`,
		},
		{
			name:   "missing kernel",
			mutate: func(m *model.Metadata) { m.Layers[1].Kernel = "nope" },
			msg:    `kernel "nope" not found`,
		},
		{
			name:   "output mismatch",
			mutate: func(m *model.Metadata) { m.OutputShape = []int64{1, 4} },
			msg:    "descriptor declares output_shape [1 4]",
		},
		{
			name:   "shape chain",
			mutate: func(m *model.Metadata) { m.Layers = m.Layers[1:] },
			msg:    "expects [1,3]",
		},
		{
			name:   "bad dtype",
			mutate: func(m *model.Metadata) { m.Weights[0].DType = "int8" },
			msg:    `unsupported dtype "int8"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			meta := modeltest.RGBMetadata(4)
			if tc.mutate != nil {
				tc.mutate(&meta)
			}
			weights := tc.weights
			if weights == nil {
				weights = modeltest.RGBWeights()
			}
			_, err := New(nil).Load(model.Assets{Metadata: meta, Weights: weights})
			assert.ErrorContains(t, err, tc.msg)
		})
	}
	assert.Equal(t, "dense", New(nil).Name())
	assert.Len(t, base.Layers, 2)
}
