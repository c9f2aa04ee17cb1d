// Package frame provides the grayscale Frame used for motion comparison
// and the image transforms shared by the sampling and capture paths.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrSizeMismatch is returned when two frames with different dimensions are compared.
var ErrSizeMismatch = errors.New("frame: size mismatch")

// DefaultPixelThreshold is the per-pixel noise floor on a 0-255 scale.
const DefaultPixelThreshold = 25

// Frame is a single-channel intensity grid, row-major with stride == Width.
// A Frame is treated as immutable once produced.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// New allocates a zeroed frame.
func New(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the intensity at (x, y).
func (f Frame) At(x, y int) uint8 {
	return f.Pix[y*f.Width+x]
}

// SameSize reports whether both frames have the same dimensions.
func (f Frame) SameSize(o Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// ChangedPixels counts positions where |a - b| > threshold.
// Each position is counted at most once.
func ChangedPixels(a, b Frame, threshold uint8) (int, error) {
	if !a.SameSize(b) || len(a.Pix) != len(b.Pix) {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, a.Width, a.Height, b.Width, b.Height)
	}

	changed := 0
	for i, pa := range a.Pix {
		pb := b.Pix[i]
		var d uint8
		if pa > pb {
			d = pa - pb
		} else {
			d = pb - pa
		}
		if d > threshold {
			changed++
		}
	}
	return changed, nil
}

// FromImage converts img to grayscale into dst, reusing dst.Pix when it is
// large enough. The returned frame has img's bounds size.
func FromImage(img image.Image, dst []uint8) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if cap(dst) < w*h {
		dst = make([]uint8, w*h)
	}
	dst = dst[:w*h]

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst[y*w:(y+1)*w], src.Pix[off:off+w])
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[off : off+w*4]
			for x := 0; x < w; x++ {
				dst[y*w+x] = luma(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				dst[y*w+x] = g.Y
			}
		}
	}

	return Frame{Width: w, Height: h, Pix: dst}
}

// luma matches color.GrayModel for opaque 8-bit input.
func luma(r, g, b uint8) uint8 {
	r16, g16, b16 := uint32(r)*0x101, uint32(g)*0x101, uint32(b)*0x101
	y := (19595*r16 + 38470*g16 + 7471*b16 + 1<<15) >> 24
	return uint8(y)
}
