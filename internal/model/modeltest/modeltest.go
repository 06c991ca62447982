// Package modeltest builds small in-memory model bundles for tests.
package modeltest

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing/fstest"

	"github.com/Brownie44l1/snap-classifier/internal/model"
)

// Labels are the classes of the RGB bundle, in output order.
var Labels = []string{"red", "green", "blue"}

// RGBMetadata describes a dense model that averages the image per channel
// and scores each channel with weight 10 followed by softmax. A solid red
// image classifies as "red"; an all-zero input is uniform.
func RGBMetadata(imageSize int) model.Metadata {
	s := int64(imageSize)
	return model.Metadata{
		Format:      "dense",
		InputShape:  []int64{1, s, s, 3},
		OutputShape: []int64{1, 3},
		Classes:     append([]string(nil), Labels...),
		ImageSize:   imageSize,
		WeightsPath: "weights.bin",
		Layers: []model.Layer{
			{Type: "global_average_pooling2d"},
			{Type: "dense", Units: 3, Activation: "softmax", Kernel: "dense/kernel", Bias: "dense/bias"},
		},
		Weights: []model.WeightSpec{
			{Name: "dense/kernel", Shape: []int64{3, 3}, DType: "float32"},
			{Name: "dense/bias", Shape: []int64{3}, DType: "float32"},
		},
	}
}

// RGBWeights is the weights blob matching RGBMetadata.
func RGBWeights() []byte {
	return Float32s(
		10, 0, 0,
		0, 10, 0,
		0, 0, 10,
		0, 0, 0,
	)
}

// Float32s encodes values as a little-endian float32 blob.
func Float32s(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// Bundle returns a filesystem holding meta as model.json and weights at
// meta.WeightsPath.
func Bundle(meta model.Metadata, weights []byte) fstest.MapFS {
	raw, err := json.Marshal(meta)
	if err != nil {
		panic(err)
	}
	return fstest.MapFS{
		model.DefaultDescriptor: {Data: raw},
		meta.WeightsPath:        {Data: weights},
	}
}

// RGBBundle is Bundle(RGBMetadata(imageSize), RGBWeights()).
func RGBBundle(imageSize int) fstest.MapFS {
	return Bundle(RGBMetadata(imageSize), RGBWeights())
}
