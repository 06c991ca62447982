package model

import (
	"fmt"
	"sort"
)

// Metadata is the JSON descriptor bundled next to the weights blob.
type Metadata struct {
	Format      string   `json:"format"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes,omitempty"`
	LabelsPath  string   `json:"labels_path,omitempty"`
	ImageSize   int      `json:"image_size"`
	WeightsPath string   `json:"weights_path"`

	// Layers and Weights describe the topology for the dense backend.
	Layers  []Layer      `json:"layers,omitempty"`
	Weights []WeightSpec `json:"weights,omitempty"`
}

// Layer is one node of a sequential topology.
type Layer struct {
	Type       string  `json:"type"`
	Name       string  `json:"name,omitempty"`
	Units      int     `json:"units,omitempty"`
	Activation string  `json:"activation,omitempty"`
	Kernel     string  `json:"kernel,omitempty"`
	Bias       string  `json:"bias,omitempty"`
	Scale      float32 `json:"scale,omitempty"`
	Offset     float32 `json:"offset,omitempty"`
}

// WeightSpec locates one named array in the weights blob. Arrays are stored
// back to back in declaration order, little-endian.
type WeightSpec struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
	DType string  `json:"dtype,omitempty"`
}

// Assets is the located model bundle handed to a Backend.
type Assets struct {
	Metadata Metadata
	Weights  []byte
}

// Prediction is the confidence of a single class.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
	Confidence  string  `json:"confidence"`
}

// PredictionResult holds one Prediction per class, in the model's output order.
type PredictionResult []Prediction

// FormatConfidence renders a probability as a percentage string.
func FormatConfidence(p float32) string {
	return fmt.Sprintf("%.2f%%", p*100)
}

// Top returns the most probable class. The first class wins ties.
func (r PredictionResult) Top() Prediction {
	var best Prediction
	for i, p := range r {
		if i == 0 || p.Probability > best.Probability {
			best = p
		}
	}
	return best
}

// Sorted returns a copy ordered by descending probability.
func (r PredictionResult) Sorted() PredictionResult {
	out := append(PredictionResult(nil), r...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Probability > out[j].Probability
	})
	return out
}
