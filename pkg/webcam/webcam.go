// Package webcam reads a local capture device through OpenCV and exposes
// it as a source.Source. A reader goroutine keeps only the newest frame.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/source"
)

// ErrOpen is returned when the capture device cannot be opened.
var ErrOpen = errors.New("webcam: cannot open device")

// OpenCV's convention for CAP_PROP_AUTO_EXPOSURE on V4L2.
const (
	autoExposureOn  = 0.75
	autoExposureOff = 0.25
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		d.logger = l
	}
}

// WithStaleAfter sets how old the newest frame may be before reads fail.
func WithStaleAfter(dur time.Duration) Option {
	return func(d *Device) {
		d.staleAfter = dur
	}
}

// Device is an open webcam.
type Device struct {
	index      int
	logger     *slog.Logger
	staleAfter time.Duration

	camMu sync.Mutex // guards cam between Read and Set
	cam   *gocv.VideoCapture

	mu       sync.Mutex
	latest   image.Image
	latestAt time.Time
	pending  bool
	closed   bool

	frames atomic.Uint64
	drops  atomic.Uint64
	fails  atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens device index, applies cfg and starts reading.
func Open(index int, cfg camera.Config, opts ...Option) (*Device, error) {
	d := &Device{
		index:      index,
		logger:     slog.Default(),
		staleAfter: time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	cam, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %v", ErrOpen, index, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("%w %d", ErrOpen, index)
	}
	d.cam = cam

	if err := d.Apply(cfg); err != nil {
		cam.Close()
		return nil, err
	}

	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

// Apply pushes cfg to the device. It is safe to call while reading and
// is usually wired to camera.Manager.OnConfigChange.
func (d *Device) Apply(cfg camera.Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %v", camera.ErrInvalidConfig, errs)
	}

	d.camMu.Lock()
	defer d.camMu.Unlock()

	c := d.cam
	c.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	c.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	c.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	if cfg.AutoExposure {
		c.Set(gocv.VideoCaptureAutoExposure, autoExposureOn)
	} else {
		c.Set(gocv.VideoCaptureAutoExposure, autoExposureOff)
		c.Set(gocv.VideoCaptureExposure, cfg.Exposure)
	}
	if cfg.Brightness != camera.KeepBrightness {
		c.Set(gocv.VideoCaptureBrightness, float64(cfg.Brightness))
	}

	if cfg.AutoWhiteBalance {
		c.Set(gocv.VideoCaptureAutoWB, 1)
	} else {
		c.Set(gocv.VideoCaptureAutoWB, 0)
		c.Set(gocv.VideoCaptureWBTemperature, float64(cfg.WBTemperature))
	}

	if cfg.AutoFocus {
		c.Set(gocv.VideoCaptureAutoFocus, 1)
	} else {
		c.Set(gocv.VideoCaptureAutoFocus, 0)
		c.Set(gocv.VideoCaptureFocus, float64(cfg.Focus))
	}

	// drivers round to the nearest supported mode
	d.logger.Info("camera configured",
		"device", d.index,
		"requested", fmt.Sprintf("%dx%d@%d", cfg.Width, cfg.Height, cfg.Framerate),
		"actual", fmt.Sprintf("%.0fx%.0f@%.0f",
			c.Get(gocv.VideoCaptureFrameWidth),
			c.Get(gocv.VideoCaptureFrameHeight),
			c.Get(gocv.VideoCaptureFPS)))
	return nil
}

func (d *Device) readLoop() {
	defer d.wg.Done()

	mat := gocv.NewMat()
	defer mat.Close()

	failing := false
	for {
		select {
		case <-d.done:
			return
		default:
		}

		d.camMu.Lock()
		ok := d.cam.Read(&mat)
		d.camMu.Unlock()

		if !ok || mat.Empty() {
			d.fails.Add(1)
			if !failing {
				failing = true
				d.logger.Warn("camera read failed", "device", d.index)
			}
			select {
			case <-d.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if failing {
			failing = false
			d.logger.Info("camera reads recovered", "device", d.index)
		}

		img, err := mat.ToImage()
		if err != nil {
			d.fails.Add(1)
			d.logger.Warn("camera frame conversion failed", "error", err)
			continue
		}
		d.publish(img)
	}
}

// publish overwrites the mailbox; an unread frame is dropped.
func (d *Device) publish(img image.Image) {
	d.mu.Lock()
	if d.pending {
		d.drops.Add(1)
	}
	d.latest = img
	d.latestAt = time.Now()
	d.pending = true
	d.mu.Unlock()
	d.frames.Add(1)
}

func (d *Device) current(ctx context.Context, consume bool) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, source.ErrClosed
	}
	if d.latest == nil || time.Since(d.latestAt) > d.staleAfter {
		return nil, source.ErrUnavailable
	}
	if consume {
		d.pending = false
	}
	return d.latest, nil
}

// Frame returns the newest frame. Images are never mutated after publish,
// so callers may keep them.
func (d *Device) Frame(ctx context.Context) (image.Image, error) {
	return d.current(ctx, true)
}

// Snapshot returns the newest frame at device resolution.
func (d *Device) Snapshot(ctx context.Context) (image.Image, error) {
	return d.current(ctx, false)
}

// Stats reports frames read, frames dropped unread and failed reads.
func (d *Device) Stats() (frames, drops, fails uint64) {
	return d.frames.Load(), d.drops.Load(), d.fails.Load()
}

// Close stops the reader and releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	return d.cam.Close()
}

var _ source.Source = (*Device)(nil)
