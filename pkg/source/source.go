// Package source defines the visual input abstraction consumed by the
// capture pipeline, plus in-memory sources for tests and replays.
package source

import (
	"context"
	"errors"
	"image"
	"sync"
)

// Sentinel errors for source failures.
var (
	// ErrUnavailable is returned when no frame can be read right now.
	ErrUnavailable = errors.New("source: frame unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("source: closed")
)

// Source provides a continuously updated live frame and, separately,
// a full-resolution snapshot.
type Source interface {
	// Frame returns the current live frame.
	Frame(ctx context.Context) (image.Image, error)

	// Snapshot returns the current frame at full resolution.
	Snapshot(ctx context.Context) (image.Image, error)

	Close() error
}

// Sequence replays a fixed list of images, one per Frame call. A nil entry
// simulates a failed read. After the last image the final one is repeated,
// or the list restarts when Loop is set.
type Sequence struct {
	Loop bool

	mu     sync.Mutex
	images []image.Image
	pos    int
	last   image.Image
	reads  int
	closed bool
}

// NewSequence creates a sequence source over images.
func NewSequence(images ...image.Image) *Sequence {
	return &Sequence{images: images}
}

// Append adds images to the end of the sequence.
func (s *Sequence) Append(images ...image.Image) {
	s.mu.Lock()
	s.images = append(s.images, images...)
	s.mu.Unlock()
}

// Frame returns the next image in the sequence.
func (s *Sequence) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.images) == 0 {
		return nil, ErrUnavailable
	}

	var img image.Image
	switch {
	case s.pos < len(s.images):
		img = s.images[s.pos]
		s.pos++
	case s.Loop:
		s.pos = 1
		img = s.images[0]
	default:
		img = s.images[len(s.images)-1]
	}
	s.reads++

	if img == nil {
		return nil, ErrUnavailable
	}
	s.last = img
	return img, nil
}

// Snapshot returns the image most recently returned by Frame.
func (s *Sequence) Snapshot(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.last == nil {
		return nil, ErrUnavailable
	}
	return s.last, nil
}

// Reads returns how many times Frame was called.
func (s *Sequence) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Close marks the source closed.
func (s *Sequence) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Still always returns the same image.
type Still struct {
	Image image.Image
}

// Frame returns the still image.
func (s Still) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Image == nil {
		return nil, ErrUnavailable
	}
	return s.Image, nil
}

// Snapshot returns the still image.
func (s Still) Snapshot(ctx context.Context) (image.Image, error) {
	return s.Frame(ctx)
}

// Close is a no-op.
func (s Still) Close() error { return nil }
