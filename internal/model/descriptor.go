package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

const (
	// DefaultDescriptor is the descriptor file name inside a model bundle.
	DefaultDescriptor = "model.json"

	// MaxImageSize bounds the input side a descriptor may declare.
	MaxImageSize = 4096
	// MaxClasses bounds the output values a descriptor may declare.
	MaxClasses = 1 << 16
)

// ReadAssets reads the descriptor, the weights blob and the label list from
// fsys. Paths inside the descriptor are relative to the descriptor.
func ReadAssets(fsys fs.FS, descriptor string) (Assets, []string, error) {
	if descriptor == "" {
		descriptor = DefaultDescriptor
	}
	metaFile, err := fs.ReadFile(fsys, descriptor)
	if err != nil {
		return Assets{}, nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Assets{}, nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return Assets{}, nil, fmt.Errorf("invalid metadata %s: %w", descriptor, err)
	}

	dir := path.Dir(descriptor)
	weights, err := fs.ReadFile(fsys, path.Join(dir, metadata.WeightsPath))
	if err != nil {
		return Assets{}, nil, fmt.Errorf("failed to read weights: %w", err)
	}
	if len(weights) == 0 {
		return Assets{}, nil, fmt.Errorf("weights file %s is empty", metadata.WeightsPath)
	}

	labels := metadata.Classes
	if len(labels) == 0 && metadata.LabelsPath != "" {
		raw, err := fs.ReadFile(fsys, path.Join(dir, metadata.LabelsPath))
		if err != nil {
			return Assets{}, nil, fmt.Errorf("failed to read labels: %w", err)
		}
		labels = parseLabels(raw)
	}
	if n := metadata.NumClasses(); len(labels) != n {
		return Assets{}, nil, fmt.Errorf("model outputs %d classes but %d labels are bundled", n, len(labels))
	}

	return Assets{Metadata: metadata, Weights: weights}, labels, nil
}

// NumClasses is the length of the output vector for one image.
func (m Metadata) NumClasses() int {
	n := 1
	for _, d := range m.OutputShape[1:] {
		n *= int(d)
	}
	return n
}

func (m *Metadata) validate() error {
	if m.Format == "" {
		return fmt.Errorf("format is required")
	}
	if m.WeightsPath == "" {
		return fmt.Errorf("weights_path is required")
	}
	s := m.InputShape
	if len(s) != 4 || s[0] != 1 || s[3] != 3 || s[1] <= 0 || s[2] <= 0 {
		return fmt.Errorf("input_shape must be [1,height,width,3], got %v", s)
	}
	if s[1] > MaxImageSize || s[2] > MaxImageSize {
		return fmt.Errorf("input_shape %v exceeds %dx%d", s, MaxImageSize, MaxImageSize)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(s[1])
	}
	if int64(m.ImageSize) != s[1] || int64(m.ImageSize) != s[2] {
		return fmt.Errorf("image_size %d does not match input_shape %v", m.ImageSize, s)
	}
	if len(m.OutputShape) < 2 || m.OutputShape[0] != 1 {
		return fmt.Errorf("output_shape must be [1,classes], got %v", m.OutputShape)
	}
	for _, d := range m.OutputShape {
		if d <= 0 {
			return fmt.Errorf("output_shape must be positive, got %v", m.OutputShape)
		}
	}
	if n := tensor.Shape(m.OutputShape).Size(); n < 0 || n > MaxClasses {
		return fmt.Errorf("output_shape %v exceeds %d values", m.OutputShape, MaxClasses)
	}
	return nil
}

func parseLabels(raw []byte) []string {
	var labels []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
