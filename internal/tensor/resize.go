package tensor

import "fmt"

// ResizeBilinear resamples an [h,w,c] tensor to [height,width,c] with
// bilinear interpolation, corners unaligned and no half-pixel offset. The
// source is left untouched and the result is allocated from m.
func (m *Memory) ResizeBilinear(src *Tensor, height, width int) (*Tensor, error) {
	if src.Released() {
		return nil, fmt.Errorf("resize of released tensor")
	}
	if len(src.shape) != 3 {
		return nil, fmt.Errorf("resize expects [h,w,c], got %v", src.shape)
	}
	inH, inW, c := int(src.shape[0]), int(src.shape[1]), int(src.shape[2])

	dst, err := m.Zeros(Shape{int64(height), int64(width), int64(c)})
	if err != nil {
		return nil, err
	}

	scaleY := float32(inH) / float32(height)
	scaleX := float32(inW) / float32(width)
	in, out := src.data, dst.data

	for y := 0; y < height; y++ {
		sy := float32(y) * scaleY
		y0 := int(sy)
		y1 := min(y0+1, inH-1)
		dy := sy - float32(y0)

		for x := 0; x < width; x++ {
			sx := float32(x) * scaleX
			x0 := int(sx)
			x1 := min(x0+1, inW-1)
			dx := sx - float32(x0)

			tl := (y0*inW + x0) * c
			tr := (y0*inW + x1) * c
			bl := (y1*inW + x0) * c
			br := (y1*inW + x1) * c
			o := (y*width + x) * c

			for ch := 0; ch < c; ch++ {
				top := in[tl+ch] + (in[tr+ch]-in[tl+ch])*dx
				bottom := in[bl+ch] + (in[br+ch]-in[bl+ch])*dx
				out[o+ch] = top + (bottom-top)*dy
			}
		}
	}
	return dst, nil
}
