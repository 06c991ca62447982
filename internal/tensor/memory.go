package tensor

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrAllocation is returned when a buffer cannot be allocated.
var ErrAllocation = errors.New("tensor allocation failed")

// Stats is a snapshot of the live buffers tracked by a Memory.
type Stats struct {
	NumTensors int
	NumBytes   int64
}

// Memory tracks every live tensor so leaks show up as a count that never
// returns to its baseline. A positive limit caps the bytes held at once.
type Memory struct {
	mu    sync.Mutex
	stats Stats
	limit int64
}

// NewMemory returns a Memory capped at limit bytes. Zero means no cap.
func NewMemory(limit int64) *Memory {
	return &Memory{limit: limit}
}

// Stats returns the current live tensor count and size.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// maxElements is the largest float32 count whose byte size fits an int.
const maxElements = math.MaxInt / 4

// Zeros allocates a zero-filled tensor.
func (m *Memory) Zeros(s Shape) (*Tensor, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty shape", ErrAllocation)
	}
	n := int64(1)
	for _, d := range s {
		if d <= 0 {
			return nil, fmt.Errorf("%w: invalid shape %v", ErrAllocation, s)
		}
		if n > maxElements/d {
			return nil, fmt.Errorf("%w: shape %v is too large", ErrAllocation, s)
		}
		n *= d
	}
	if err := m.reserve(n * 4); err != nil {
		return nil, err
	}
	return &Tensor{shape: s.clone(), data: make([]float32, n), mem: m}, nil
}

// FromData allocates a tensor holding a copy of data.
func (m *Memory) FromData(s Shape, data []float32) (*Tensor, error) {
	if s.Size() != int64(len(data)) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrAllocation, s, s.Size(), len(data))
	}
	t, err := m.Zeros(s)
	if err != nil {
		return nil, err
	}
	copy(t.data, data)
	return t, nil
}

// Check reports whether bytes more could be allocated right now without
// exceeding the limit. It reserves nothing.
func (m *Memory) Check(bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fits(bytes)
}

func (m *Memory) fits(bytes int64) error {
	if bytes < 0 || (m.limit > 0 && bytes > m.limit-m.stats.NumBytes) {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocation, bytes, m.stats.NumBytes, m.limit)
	}
	return nil
}

func (m *Memory) reserve(bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fits(bytes); err != nil {
		return err
	}
	m.stats.NumTensors++
	m.stats.NumBytes += bytes
	return nil
}

func (m *Memory) free(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.NumTensors--
	m.stats.NumBytes -= bytes
}
