package dense

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/Brownie44l1/snap-classifier/internal/model"
)

type array struct {
	shape []int64
	data  []float64
}

func elementSize(dtype string) (int, error) {
	switch dtype {
	case "", "float32":
		return 4, nil
	case "float16":
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

// readWeights splits a blob into the named arrays listed in defs. The blob
// must hold exactly the declared arrays.
func readWeights(blob []byte, defs []model.WeightSpec) (map[string]array, error) {
	weights := make(map[string]array, len(defs))
	offset := 0
	for _, def := range defs {
		if _, dup := weights[def.Name]; dup {
			return nil, fmt.Errorf("weight %q declared twice", def.Name)
		}
		size, err := elementSize(def.DType)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", def.Name, err)
		}
		n := 1
		for _, d := range def.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("weight %q has invalid shape %v", def.Name, def.Shape)
			}
			n *= int(d)
		}
		end := offset + n*size
		if end > len(blob) {
			return nil, fmt.Errorf("weights blob truncated: %q needs bytes %d-%d of %d", def.Name, offset, end, len(blob))
		}

		data := make([]float64, n)
		for i := range data {
			p := blob[offset+i*size:]
			if size == 2 {
				data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(p)).Float32())
			} else {
				data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
			}
		}
		weights[def.Name] = array{shape: def.Shape, data: data}
		offset = end
	}
	if offset != len(blob) {
		return nil, fmt.Errorf("weights blob has %d bytes, descriptor accounts for %d", len(blob), offset)
	}
	return weights, nil
}
