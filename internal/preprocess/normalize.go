package preprocess

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

// DefaultImageSize is the spatial resolution the bundled model was trained on.
const DefaultImageSize = 224

// Options configures a Normalizer.
type Options struct {
	// ImageSize is the square output resolution. Zero means DefaultImageSize.
	ImageSize int
	// MaxSourceSide shrinks decoded images larger than this before
	// normalization. Zero disables it.
	MaxSourceSide uint
}

// Normalizer decodes captured photos into [1,size,size,3] tensors with
// values in [0,1].
type Normalizer struct {
	mem    *tensor.Memory
	opts   Options
	logger *zap.Logger
}

// NewNormalizer returns a Normalizer allocating from mem.
func NewNormalizer(mem *tensor.Memory, opts Options, logger *zap.Logger) *Normalizer {
	if opts.ImageSize <= 0 {
		opts.ImageSize = DefaultImageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{mem: mem, opts: opts, logger: logger}
}

// ImageSize returns the output spatial resolution.
func (n *Normalizer) ImageSize() int {
	return n.opts.ImageSize
}

// WithImageSize returns a copy producing size x size tensors.
func (n *Normalizer) WithImageSize(size int) *Normalizer {
	opts := n.opts
	opts.ImageSize = size
	return NewNormalizer(n.mem, opts, n.logger)
}

// DecodeAndNormalize decodes base64 image text into a normalized tensor.
// The caller owns the result and must Release it.
func (n *Normalizer) DecodeAndNormalize(b64 string) (*tensor.Tensor, error) {
	data, mimeType, err := DecodeBase64(b64)
	if err != nil {
		return nil, err
	}
	return n.DecodeAndNormalizeBytes(data, mimeType)
}

// DecodeAndNormalizeBytes is DecodeAndNormalize for raw image bytes.
func (n *Normalizer) DecodeAndNormalizeBytes(data []byte, mimeType string) (*tensor.Tensor, error) {
	cfg, err := DecodeConfig(data, mimeType)
	if err != nil {
		return nil, err
	}
	if err := n.mem.Check(n.decodeBytes(cfg.Width, cfg.Height)); err != nil {
		return nil, fmt.Errorf("%w: %dx%d image", err, cfg.Width, cfg.Height)
	}

	raw, err := Decode(data, mimeType, n.opts.MaxSourceSide)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("image decoded",
		zap.Int("width", raw.Width),
		zap.Int("height", raw.Height),
		zap.Int("bytes", len(data)))
	return n.Normalize(raw)
}

// decodeBytes estimates the peak bytes held while decoding and normalizing a
// w x h image: three 8-bit decoder planes at full size, then an RGBA copy and
// the float buffer at the pre-shrunk size.
func (n *Normalizer) decodeBytes(w, h int) int64 {
	fw, fh := int64(w), int64(h)
	if side := int64(n.opts.MaxSourceSide); side > 0 && (fw > side || fh > side) {
		if fw >= fh {
			fw, fh = side, max(1, fh*side/fw)
		} else {
			fw, fh = max(1, fw*side/fh), side
		}
	}
	return int64(w)*int64(h)*3 + fw*fh*(4+3*4)
}

// Normalize converts a RawImage into a [1,size,size,3] tensor, dropping
// alpha and scaling each channel byte by 1/255.
func (n *Normalizer) Normalize(raw *RawImage) (*tensor.Tensor, error) {
	if raw == nil || raw.Width <= 0 || raw.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if len(raw.Pix) != raw.Width*raw.Height*4 {
		return nil, fmt.Errorf("%w: %dx%d image has %d bytes, want %d",
			ErrDecode, raw.Width, raw.Height, len(raw.Pix), raw.Width*raw.Height*4)
	}

	pixels, err := n.mem.Zeros(tensor.Shape{int64(raw.Height), int64(raw.Width), 3})
	if err != nil {
		return nil, err
	}
	defer pixels.Release()

	out := pixels.Data()
	j := 0
	for i := 0; i < len(raw.Pix); i += 4 {
		out[j] = float32(raw.Pix[i]) / 255
		out[j+1] = float32(raw.Pix[i+1]) / 255
		out[j+2] = float32(raw.Pix[i+2]) / 255
		j += 3
	}

	size := n.opts.ImageSize
	resized, err := n.mem.ResizeBilinear(pixels, size, size)
	if err != nil {
		return nil, err
	}
	for i, v := range resized.Data() {
		if v > 1 {
			resized.Data()[i] = 1
		} else if v < 0 {
			resized.Data()[i] = 0
		}
	}
	if err := resized.ExpandDims(0); err != nil {
		resized.Release()
		return nil, err
	}
	return resized, nil
}
