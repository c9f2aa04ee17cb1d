// Package emitter produces full-resolution stills on capture triggers and
// hands them to a sink without waiting for the outcome.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/metrics"
	"github.com/teslashibe/go-stillcam/pkg/source"
)

// Capture is one encoded still with its identifiers.
type Capture struct {
	ID          string
	Seq         uint64
	ObjectID    int
	ImageNumber int
	Rotation    frame.Rotation
	Format      Format
	Width       int
	Height      int
	Data        []byte
	TakenAt     time.Time
}

// Config holds emitter settings.
type Config struct {
	Format          Format
	JPEGQuality     int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger

	// OnDelivered is called after every delivery attempt with its result.
	OnDelivered func(c Capture, err error)
}

// DefaultConfig returns PNG output with a 10s delivery timeout.
func DefaultConfig() Config {
	return Config{
		Format:          FormatPNG,
		JPEGQuality:     DefaultJPEGQuality,
		DeliveryTimeout: 10 * time.Second,
		Logger:          slog.Default(),
	}
}

// Option configures an Emitter.
type Option func(*Config)

// WithFormat sets the still encoding.
func WithFormat(f Format) Option {
	return func(c *Config) {
		c.Format = f
	}
}

// WithJPEGQuality sets the JPEG quality (1-100).
func WithJPEGQuality(q int) Option {
	return func(c *Config) {
		c.JPEGQuality = q
	}
}

// WithDeliveryTimeout bounds each sink delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DeliveryTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithDeliveryHook registers a callback for delivery results.
func WithDeliveryHook(fn func(c Capture, err error)) Option {
	return func(c *Config) {
		c.OnDelivered = fn
	}
}

// Emitter snapshots the source, rotates, encodes and delivers.
type Emitter struct {
	src    source.Source
	sink   Sink
	config Config

	seq      atomic.Uint64
	inflight sync.WaitGroup

	hooksMu sync.RWMutex
	hooks   []func(Capture, error)
}

// New creates an emitter delivering to sink.
func New(src source.Source, sink Sink, opts ...Option) *Emitter {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatPNG
	}
	return &Emitter{src: src, sink: sink, config: cfg}
}

// OnDelivered adds a callback for delivery results. Callbacks run on the
// delivery goroutine.
func (e *Emitter) OnDelivered(fn func(c Capture, err error)) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, fn)
	e.hooksMu.Unlock()
}

// Format returns the still encoding.
func (e *Emitter) Format() Format {
	return e.config.Format
}

// Take grabs a full-resolution snapshot, applies rot and encodes it.
func (e *Emitter) Take(ctx context.Context, rot frame.Rotation, objectID, imageNumber int) (Capture, error) {
	img, err := e.src.Snapshot(ctx)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}
	if img == nil {
		return Capture{}, ErrNoSnapshot
	}

	img = rot.Apply(img)
	data, err := Encode(img, e.config.Format, e.config.JPEGQuality)
	if err != nil {
		return Capture{}, err
	}

	b := img.Bounds()
	return Capture{
		ID:          uuid.NewString(),
		Seq:         e.seq.Add(1),
		ObjectID:    objectID,
		ImageNumber: imageNumber,
		Rotation:    rot,
		Format:      e.config.Format,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Data:        data,
		TakenAt:     time.Now(),
	}, nil
}

// Emit takes a capture and hands it to the sink in the background.
// Only snapshot and encode errors are returned; delivery is fire-and-forget.
func (e *Emitter) Emit(ctx context.Context, rot frame.Rotation, objectID, imageNumber int) (Capture, error) {
	c, err := e.Take(ctx, rot, objectID, imageNumber)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("failed").Inc()
		return Capture{}, err
	}

	e.inflight.Add(1)
	go e.deliver(context.WithoutCancel(ctx), c)
	return c, nil
}

func (e *Emitter) deliver(ctx context.Context, c Capture) {
	defer e.inflight.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		e.finish(c, err)
	}()

	if e.sink == nil {
		err = ErrNoSink
		return
	}

	if e.config.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.DeliveryTimeout)
		defer cancel()
	}

	if derr := e.sink.Deliver(ctx, c); derr != nil {
		err = &SinkError{Sink: e.sink.Name(), Err: derr}
	}
}

func (e *Emitter) finish(c Capture, err error) {
	log := e.config.Logger
	if err != nil {
		name := "none"
		var se *SinkError
		if errors.As(err, &se) {
			name = se.Sink
		} else if e.sink != nil {
			name = e.sink.Name()
		}
		metrics.SinkFailuresTotal.WithLabelValues(name).Inc()
		metrics.CapturesTotal.WithLabelValues("failed").Inc()
		log.Warn("capture delivery failed", "id", c.ID, "seq", c.Seq, "error", err)
	} else {
		metrics.CapturesTotal.WithLabelValues("delivered").Inc()
		log.Info("capture delivered",
			"id", c.ID,
			"seq", c.Seq,
			"object_id", c.ObjectID,
			"image_number", c.ImageNumber,
			"bytes", len(c.Data))
	}

	if e.config.OnDelivered != nil {
		e.config.OnDelivered(c, err)
	}
	e.hooksMu.RLock()
	hooks := e.hooks
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c, err)
	}
}

// Wait blocks until in-flight deliveries finish.
func (e *Emitter) Wait() {
	e.inflight.Wait()
}
