// Package tensor holds the float32 buffers passed between preprocessing and
// the inference backends. Every tensor is allocated from a Memory and must be
// released by its owner.
package tensor

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Shape is a tensor shape, outermost dimension first.
type Shape []int64

// Size returns the number of elements described by the shape, or -1 when a
// dimension is negative or the product overflows.
func (s Shape) Size() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		if d > 0 && n > math.MaxInt64/d {
			return -1
		}
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s Shape) clone() Shape {
	return append(Shape(nil), s...)
}

// Tensor is a dense row-major float32 array.
type Tensor struct {
	shape Shape
	data  []float32
	mem   *Memory

	once sync.Once
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape.clone()
}

// Data returns the backing slice. It must not be used after Release.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Released reports whether the tensor has been returned to its Memory.
func (t *Tensor) Released() bool {
	return t.data == nil
}

// Reshape changes the tensor's shape in place. The element count must not change.
func (t *Tensor) Reshape(s Shape) error {
	if t.Released() {
		return fmt.Errorf("reshape of released tensor")
	}
	if s.Size() != int64(len(t.data)) {
		return fmt.Errorf("cannot reshape %v (%d elements) to %v", t.shape, len(t.data), s)
	}
	t.shape = s.clone()
	return nil
}

// ExpandDims inserts a singleton dimension at axis, in place.
func (t *Tensor) ExpandDims(axis int) error {
	if axis < 0 || axis > len(t.shape) {
		return fmt.Errorf("axis %d out of range for shape %v", axis, t.shape)
	}
	s := make(Shape, 0, len(t.shape)+1)
	s = append(s, t.shape[:axis]...)
	s = append(s, 1)
	s = append(s, t.shape[axis:]...)
	return t.Reshape(s)
}

// Release returns the tensor's buffer to its Memory. Safe to call more than once.
func (t *Tensor) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.mem != nil {
			t.mem.free(int64(len(t.data)) * 4)
		}
		t.data = nil
	})
}
