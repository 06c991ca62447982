// Package preprocess turns captured photos into the normalized NHWC float32
// tensor the classifier expects.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

const (
	// DefaultMIMEType is assumed when a capture carries no MIME annotation.
	DefaultMIMEType = "image/jpeg"

	// MaxPixels bounds the header dimensions Decode accepts. Larger images
	// are rejected before any pixel buffer is allocated.
	MaxPixels = 1 << 26
)

// ErrDecode is returned for bytes that are not a decodable JPEG image.
var ErrDecode = errors.New("image decode failed")

// RawImage is a decoded RGBA pixel grid, 4 bytes per pixel, row-major.
type RawImage struct {
	Width  int
	Height int
	Pix    []uint8
}

// DecodeBase64 decodes base64 image text, optionally wrapped as a
// data:<mime>;base64, URL, and returns the bytes and the annotated MIME type.
func DecodeBase64(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	mimeType := ""
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: malformed data URL", ErrDecode)
		}
		mimeType = mediaType(strings.TrimSuffix(header, ";base64"))
		s = payload
	}
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty image data", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, mimeType, nil
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, altErr := enc.DecodeString(s); altErr == nil {
			return data, mimeType, nil
		}
	}
	return nil, "", fmt.Errorf("%w: invalid base64: %w", ErrDecode, err)
}

// mediaType strips parameters such as charset from a MIME annotation.
func mediaType(s string) string {
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mt
}

// DecodeConfig validates the MIME annotation and content and returns the
// dimensions from the JPEG header without decoding pixels. Images with a
// side of zero or more than MaxPixels pixels are rejected.
func DecodeConfig(data []byte, mimeType string) (cfg image.Config, err error) {
	switch mediaType(mimeType) {
	case "", DefaultMIMEType, "image/jpg":
	default:
		return cfg, fmt.Errorf("%w: unsupported content type %q", ErrDecode, mimeType)
	}
	if len(data) == 0 {
		return cfg, fmt.Errorf("%w: empty image data", ErrDecode)
	}
	if detected := mimetype.Detect(data); !detected.Is(DefaultMIMEType) {
		return cfg, fmt.Errorf("%w: content looks like %s", ErrDecode, detected.String())
	}

	defer func() {
		if r := recover(); r != nil {
			cfg, err = image.Config{}, fmt.Errorf("%w: decoder panic: %v", ErrDecode, r)
		}
	}()

	cfg, err = jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("%w: empty image %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return cfg, fmt.Errorf("%w: %dx%d image exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}
	return cfg, nil
}

// Decode decodes JPEG bytes into a RawImage. maxSide > 0 shrinks larger
// images to fit within maxSide x maxSide before conversion.
func Decode(data []byte, mimeType string, maxSide uint) (raw *RawImage, err error) {
	if _, err := DecodeConfig(data, mimeType); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, fmt.Errorf("%w: decoder panic: %v", ErrDecode, r)
		}
	}()

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrDecode, b.Dx(), b.Dy())
	}

	if maxSide > 0 && (uint(b.Dx()) > maxSide || uint(b.Dy()) > maxSide) {
		img = resize.Thumbnail(maxSide, maxSide, img, resize.Bilinear)
	}

	return FromImage(img), nil
}

// FromImage converts any image into a RawImage.
func FromImage(img image.Image) *RawImage {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != 4*b.Dx() || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &RawImage{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
}
