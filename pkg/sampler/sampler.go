// Package sampler turns live source frames into low-resolution grayscale
// frames for motion comparison.
package sampler

import (
	"context"
	"fmt"
	"image"

	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/source"
)

// Default sampling resolution.
const (
	DefaultWidth  = 320
	DefaultHeight = 240
)

// Sample is one sampled cycle.
type Sample struct {
	Seq   uint64
	Image image.Image // downscaled, rotated colour image
	Frame frame.Frame // grayscale view of Image
}

// Sampler reads, downscales and rotates one frame per call.
//
// Pixel buffers are recycled through two slots, so a returned Frame stays
// valid until two further successful samples have been taken.
// A Sampler is not safe for concurrent use.
type Sampler struct {
	src      source.Source
	width    int
	height   int
	rotation frame.Rotation

	bufs [2][]uint8
	next int
	seq  uint64
}

// New creates a sampler producing width x height frames before rotation.
func New(src source.Source, width, height int) *Sampler {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Sampler{src: src, width: width, height: height}
}

// SetRotation sets the rotation applied to subsequent samples.
func (s *Sampler) SetRotation(r frame.Rotation) {
	s.rotation = r
}

// Rotation returns the active rotation.
func (s *Sampler) Rotation() frame.Rotation {
	return s.rotation
}

// Size returns the output dimensions after rotation.
func (s *Sampler) Size() (int, int) {
	if s.rotation.SwapsAxes() {
		return s.height, s.width
	}
	return s.width, s.height
}

// Sample reads the current live frame and converts it.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	live, err := s.src.Frame(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sampler: read frame: %w", err)
	}
	if live == nil || live.Bounds().Empty() {
		return Sample{}, fmt.Errorf("sampler: read frame: %w", source.ErrUnavailable)
	}

	small := s.rotation.Apply(frame.Downscale(live, s.width, s.height))

	f := frame.FromImage(small, s.bufs[s.next])
	s.bufs[s.next] = f.Pix
	s.next = 1 - s.next
	s.seq++

	return Sample{Seq: s.seq, Image: small, Frame: f}, nil
}
