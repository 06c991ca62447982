package dense

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

type layer interface {
	name() string
	outputShape(in tensor.Shape) (tensor.Shape, error)
	apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error)
}

func newLayer(def model.Layer, weights map[string]array) (layer, error) {
	switch def.Type {
	case "rescaling":
		scale := def.Scale
		if scale == 0 {
			scale = 1
		}
		return &rescaling{scale: scale, offset: def.Offset}, nil
	case "global_average_pooling2d":
		return globalAvgPool{}, nil
	case "flatten":
		return flatten{}, nil
	case "softmax":
		return activation{fn: "softmax"}, nil
	case "activation":
		if err := checkActivation(def.Activation); err != nil {
			return nil, err
		}
		return activation{fn: def.Activation}, nil
	case "dense":
		return newDenseLayer(def, weights)
	}
	return nil, fmt.Errorf("unsupported layer type %q", def.Type)
}

func checkActivation(fn string) error {
	switch fn {
	case "", "linear", "relu", "sigmoid", "softmax":
		return nil
	}
	return fmt.Errorf("unsupported activation %q", fn)
}

type rescaling struct {
	scale, offset float32
}

func (*rescaling) name() string { return "rescaling" }

func (*rescaling) outputShape(in tensor.Shape) (tensor.Shape, error) { return in, nil }

func (l *rescaling) apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := mem.Zeros(x.Shape())
	if err != nil {
		return nil, err
	}
	dst := out.Data()
	for i, v := range x.Data() {
		dst[i] = v*l.scale + l.offset
	}
	return out, nil
}

// globalAvgPool averages [1,h,w,c] over its spatial axes into [1,c].
type globalAvgPool struct{}

func (globalAvgPool) name() string { return "global_average_pooling2d" }

func (globalAvgPool) outputShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("expects [1,h,w,c], got %v", in)
	}
	return tensor.Shape{in[0], in[3]}, nil
}

func (globalAvgPool) apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error) {
	s := x.Shape()
	c := int(s[3])
	out, err := mem.Zeros(tensor.Shape{s[0], s[3]})
	if err != nil {
		return nil, err
	}

	sums := make([]float64, c)
	in := x.Data()
	for i, v := range in {
		sums[i%c] += float64(v)
	}
	n := float64(len(in) / c)
	for i := range sums {
		out.Data()[i] = float32(sums[i] / n)
	}
	return out, nil
}

type flatten struct{}

func (flatten) name() string { return "flatten" }

func (flatten) outputShape(in tensor.Shape) (tensor.Shape, error) {
	return tensor.Shape{in[0], in.Size() / in[0]}, nil
}

func (f flatten) apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error) {
	s, _ := f.outputShape(x.Shape())
	return mem.FromData(s, x.Data())
}

type activation struct {
	fn string
}

func (a activation) name() string { return a.fn }

func (activation) outputShape(in tensor.Shape) (tensor.Shape, error) { return in, nil }

func (a activation) apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := mem.FromData(x.Shape(), x.Data())
	if err != nil {
		return nil, err
	}
	activate(a.fn, out.Data())
	return out, nil
}

// denseLayer computes act(x·kernel + bias) for x of shape [1,in].
type denseLayer struct {
	kernel *mat.Dense
	bias   []float64
	act    string
}

func newDenseLayer(def model.Layer, weights map[string]array) (*denseLayer, error) {
	if err := checkActivation(def.Activation); err != nil {
		return nil, err
	}
	k, ok := weights[def.Kernel]
	if !ok {
		return nil, fmt.Errorf("dense kernel %q not found in weights", def.Kernel)
	}
	if len(k.shape) != 2 {
		return nil, fmt.Errorf("dense kernel %q must be [in,units], got %v", def.Kernel, k.shape)
	}
	in, units := int(k.shape[0]), int(k.shape[1])
	if def.Units != 0 && def.Units != units {
		return nil, fmt.Errorf("dense declares %d units but kernel %q has %d", def.Units, def.Kernel, units)
	}

	l := &denseLayer{
		kernel: mat.NewDense(in, units, k.data),
		bias:   make([]float64, units),
		act:    def.Activation,
	}
	if def.Bias != "" {
		b, ok := weights[def.Bias]
		if !ok {
			return nil, fmt.Errorf("dense bias %q not found in weights", def.Bias)
		}
		if len(b.data) != units {
			return nil, fmt.Errorf("dense bias %q has %d values for %d units", def.Bias, len(b.data), units)
		}
		copy(l.bias, b.data)
	}
	return l, nil
}

func (*denseLayer) name() string { return "dense" }

func (l *denseLayer) outputShape(in tensor.Shape) (tensor.Shape, error) {
	rows, units := l.kernel.Dims()
	if len(in) != 2 || in[0] != 1 || in[1] != int64(rows) {
		return nil, fmt.Errorf("expects [1,%d], got %v", rows, in)
	}
	return tensor.Shape{1, int64(units)}, nil
}

func (l *denseLayer) apply(mem *tensor.Memory, x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x.Data()
	row := make([]float64, len(in))
	for i, v := range in {
		row[i] = float64(v)
	}

	var y mat.Dense
	y.Mul(mat.NewDense(1, len(row), row), l.kernel)

	_, units := l.kernel.Dims()
	out, err := mem.Zeros(tensor.Shape{1, int64(units)})
	if err != nil {
		return nil, err
	}
	dst := out.Data()
	for j := range dst {
		dst[j] = float32(y.At(0, j) + l.bias[j])
	}
	activate(l.act, dst)
	return out, nil
}

func activate(fn string, v []float32) {
	switch fn {
	case "relu":
		for i := range v {
			if v[i] < 0 {
				v[i] = 0
			}
		}
	case "sigmoid":
		for i := range v {
			v[i] = float32(1 / (1 + math.Exp(-float64(v[i]))))
		}
	case "softmax":
		maxV := math.Inf(-1)
		for _, x := range v {
			maxV = math.Max(maxV, float64(x))
		}
		var sum float64
		exps := make([]float64, len(v))
		for i, x := range v {
			exps[i] = math.Exp(float64(x) - maxV)
			sum += exps[i]
		}
		for i := range v {
			v[i] = float32(exps[i] / sum)
		}
	}
}
