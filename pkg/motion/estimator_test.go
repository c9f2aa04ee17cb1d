package motion

import (
	"testing"

	"github.com/teslashibe/go-stillcam/pkg/frame"
)

func solid(w, h int, v uint8) frame.Frame {
	f := frame.New(w, h)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestEstimator_FirstObservationSeeds(t *testing.T) {
	e := NewEstimator(frame.DefaultPixelThreshold)

	if _, ok := e.Observe(solid(8, 8, 0)); ok {
		t.Error("first Observe should not produce a metric")
	}
	if !e.Seeded() {
		t.Error("Observe should seed the cache")
	}

	metric, ok := e.Observe(solid(8, 8, 0))
	if !ok {
		t.Fatal("second Observe should produce a metric")
	}
	if metric != 0 {
		t.Errorf("metric = %d, want 0", metric)
	}
}

func TestEstimator_ComparesAgainstPreviousOnly(t *testing.T) {
	e := NewEstimator(frame.DefaultPixelThreshold)

	e.Observe(solid(8, 8, 0))
	if m, _ := e.Observe(solid(8, 8, 200)); m != 64 {
		t.Errorf("metric after change = %d, want 64", m)
	}
	// no accumulation: the cache now holds the 200 frame
	if m, _ := e.Observe(solid(8, 8, 200)); m != 0 {
		t.Errorf("metric after settle = %d, want 0", m)
	}
}

func TestEstimator_Reset(t *testing.T) {
	e := NewEstimator(frame.DefaultPixelThreshold)
	e.Observe(solid(8, 8, 0))
	e.Reset()

	if e.Seeded() {
		t.Error("Reset should clear the cache")
	}
	if _, ok := e.Observe(solid(8, 8, 255)); ok {
		t.Error("Observe after Reset should only re-seed")
	}
}

func TestEstimator_SizeChangeReseeds(t *testing.T) {
	e := NewEstimator(frame.DefaultPixelThreshold)
	e.Observe(solid(320, 240, 0))

	if _, ok := e.Observe(solid(240, 320, 255)); ok {
		t.Error("Observe with new dimensions should re-seed")
	}
	if m, ok := e.Observe(solid(240, 320, 255)); !ok || m != 0 {
		t.Errorf("Observe = (%d, %v), want (0, true)", m, ok)
	}
}
