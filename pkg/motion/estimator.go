// Package motion computes the pixel-change metric between consecutive frames.
package motion

import (
	"github.com/teslashibe/go-stillcam/pkg/frame"
)

// Estimator is a strict two-frame comparator. It keeps exactly one
// previous frame and replaces it on every observation.
//
// Frames passed to Observe must stay unmodified until the next call.
type Estimator struct {
	threshold uint8
	prev      frame.Frame
	seeded    bool
}

// NewEstimator creates an estimator with the given per-pixel noise floor.
func NewEstimator(pixelThreshold uint8) *Estimator {
	return &Estimator{threshold: pixelThreshold}
}

// Observe compares cur against the cached frame and caches cur.
// ok is false when there was nothing comparable cached (first frame,
// after Reset, or after a size change); the metric is not defined then.
func (e *Estimator) Observe(cur frame.Frame) (metric int, ok bool) {
	defer func() {
		e.prev = cur
		e.seeded = true
	}()

	if !e.seeded || !e.prev.SameSize(cur) {
		return 0, false
	}

	n, err := frame.ChangedPixels(e.prev, cur, e.threshold)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Reset drops the cached frame so the next observation re-seeds.
func (e *Estimator) Reset() {
	e.prev = frame.Frame{}
	e.seeded = false
}

// Seeded reports whether a previous frame is cached.
func (e *Estimator) Seeded() bool {
	return e.seeded
}

// Threshold returns the per-pixel noise floor.
func (e *Estimator) Threshold() uint8 {
	return e.threshold
}
