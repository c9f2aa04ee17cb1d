// Package pipeline runs the motion-triggered capture loop: it samples the
// source on a fixed cadence, measures change between frames, drives the
// capture gate and fires the emitter once motion has settled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-stillcam/pkg/debug"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/gate"
	"github.com/teslashibe/go-stillcam/pkg/metrics"
	"github.com/teslashibe/go-stillcam/pkg/motion"
	"github.com/teslashibe/go-stillcam/pkg/sampler"
	"github.com/teslashibe/go-stillcam/pkg/source"
)

// Sentinel errors for pipeline control.
var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrBusy is returned when the control queue is full.
	ErrBusy = errors.New("pipeline: control queue full")

	// ErrInvalidConfig is returned by New for out-of-range settings.
	ErrInvalidConfig = errors.New("pipeline: invalid config")
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdToggle
	cmdRotate
	cmdResume
	cmdRetake
	cmdDelivered
)

type command struct {
	kind    commandKind
	delta   int
	capture emitter.Capture
	err     error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observers = append(p.observers, o)
	}
}

// WithLiveSink sets the receiver for live preview frames.
func WithLiveSink(s LiveSink) Option {
	return func(p *Pipeline) {
		p.live = s
	}
}

// WithClock overrides the time source used for gate decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline owns the sampler, estimator, gate and sequencer. All of them
// are touched only from the Run goroutine; other goroutines talk to it
// through control methods and Status.
type Pipeline struct {
	config    Config
	sampler   *sampler.Sampler
	estimator *motion.Estimator
	gate      *gate.Gate
	emitter   *emitter.Emitter
	sequence  *emitter.Sequencer

	logger    *slog.Logger
	now       func() time.Time
	live      LiveSink
	observers []Observer
	obsMu     sync.RWMutex

	commands chan command
	status   atomic.Pointer[Status]
	running  atomic.Bool

	// loop state
	active       bool
	held         bool
	failing      bool
	lastMetric   int
	cycles       uint64
	skipped      uint64
	captures     uint64
	lastActivity time.Time
	lastCapture  time.Time
	lastLive     time.Time
	sampleTimer  *time.Timer
	settleTimer  *time.Timer
}

// New creates a pipeline reading from src and capturing through em.
func New(cfg Config, src source.Source, em *emitter.Emitter, opts ...Option) (*Pipeline, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	cfg.Rotation, _ = frame.ParseRotation(int(cfg.Rotation))

	p := &Pipeline{
		config:    cfg,
		sampler:   sampler.New(src, cfg.FrameWidth, cfg.FrameHeight),
		estimator: motion.NewEstimator(cfg.PixelThreshold),
		gate:      gate.New(cfg.Gate),
		emitter:   em,
		sequence:  emitter.NewSequencer(cfg.ImagesPerObject),
		logger:    slog.Default(),
		now:       time.Now,
		commands:  make(chan command, 32),
		active:    !cfg.StartPaused,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.sampler.SetRotation(cfg.Rotation)
	p.emitter.OnDelivered(p.deliveryResult)
	p.lastActivity = p.now()
	p.sampleTimer = newStoppedTimer()
	p.settleTimer = newStoppedTimer()
	p.publishStatus()
	return p, nil
}

// AddObserver registers an observer after construction.
func (p *Pipeline) AddObserver(o Observer) {
	p.obsMu.Lock()
	p.observers = append(p.observers, o)
	p.obsMu.Unlock()
}

// SetLiveSink sets the live frame receiver. It must be called before Run.
func (p *Pipeline) SetLiveSink(s LiveSink) {
	p.live = s
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Status returns the latest status snapshot.
func (p *Pipeline) Status() Status {
	return *p.status.Load()
}

// Start resumes sampling from Idle. Starting a running pipeline is a no-op.
func (p *Pipeline) Start() error { return p.send(command{kind: cmdStart}) }

// Stop halts sampling, cancels any pending settle and resets the gate.
func (p *Pipeline) Stop() error { return p.send(command{kind: cmdStop}) }

// Toggle flips between started and stopped.
func (p *Pipeline) Toggle() error { return p.send(command{kind: cmdToggle}) }

// Resume leaves an idle hold.
func (p *Pipeline) Resume() error { return p.send(command{kind: cmdResume}) }

// Retake rewinds the sequence so the next capture reuses the last identifiers.
func (p *Pipeline) Retake() error { return p.send(command{kind: cmdRetake}) }

// Rotate turns the view by delta degrees (a multiple of 90).
func (p *Pipeline) Rotate(delta int) error {
	if _, err := frame.ParseRotation(delta); err != nil {
		return err
	}
	return p.send(command{kind: cmdRotate, delta: delta})
}

// deliveryResult reports delivery failures back into the loop.
func (p *Pipeline) deliveryResult(c emitter.Capture, err error) {
	if err == nil {
		return
	}
	if sendErr := p.send(command{kind: cmdDelivered, capture: c, err: err}); sendErr != nil {
		p.logger.Warn("dropping delivery result", "seq", c.Seq, "error", sendErr)
	}
}

func (p *Pipeline) send(cmd command) error {
	select {
	case p.commands <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Run drives the pipeline until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	defer func() {
		stopTimer(p.sampleTimer)
		stopTimer(p.settleTimer)
		p.emitter.Wait()
	}()

	p.logger.Info("capture pipeline started",
		"interval", p.config.SampleInterval,
		"frame", fmt.Sprintf("%dx%d", p.config.FrameWidth, p.config.FrameHeight),
		"threshold", p.config.Gate.Threshold,
		"settle", p.config.Gate.SettleDelay,
		"rotation", p.config.Rotation,
		"active", p.active)

	p.lastActivity = p.now()
	if p.active {
		p.scheduleSample(0)
	}
	p.publishStatus()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("capture pipeline stopped", "cycles", p.cycles, "captures", p.captures)
			return nil

		case <-p.sampleTimer.C:
			elapsed := p.cycle(ctx)
			if p.active && !p.held {
				p.scheduleSample(p.config.SampleInterval - elapsed)
			}

		case <-p.settleTimer.C:
			p.settle(ctx, p.now())

		case cmd := <-p.commands:
			p.handle(ctx, cmd)
		}
		p.publishStatus()
	}
}

// cycle samples once, feeds the estimator and gate, and returns how long it took.
func (p *Pipeline) cycle(ctx context.Context) (elapsed time.Duration) {
	start := p.now()
	wall := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in cycle: %v", r)
			p.logger.Error("capture cycle panicked", "error", err)
			p.skipped++
			metrics.CyclesTotal.WithLabelValues("skipped").Inc()
			p.emit(Event{Kind: EventSampleFailed, Time: start, State: p.gate.State(), Err: err})
		}
		elapsed = time.Since(wall)
		metrics.CycleDuration.Observe(elapsed.Seconds())
	}()

	// a deadline that already passed fires before this sample can cancel it
	p.settle(ctx, start)

	p.cycles++
	s, err := p.sampler.Sample(ctx)
	if err != nil {
		p.skipped++
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		if !p.failing {
			p.failing = true
			p.logger.Warn("frame read failed, skipping cycles", "error", err)
			p.emit(Event{Kind: EventSampleFailed, Time: start, State: p.gate.State(), Err: err})
		}
		return
	}
	if p.failing {
		p.failing = false
		p.logger.Info("frame reads recovered", "skipped", p.skipped)
	}

	p.publishLive(s, start)

	metric, ok := p.estimator.Observe(s.Frame)
	if !ok {
		metrics.CyclesTotal.WithLabelValues("seeded").Inc()
		return
	}
	metrics.CyclesTotal.WithLabelValues("measured").Inc()
	metrics.ChangeMetric.Set(float64(metric))
	p.lastMetric = metric
	debug.CycleLog(p.logger, "motion pixels", "count", metric, "state", p.gate.State())

	p.apply(p.gate.Observe(metric, start), metric, start)
	p.checkIdle(start)
	return
}

// apply turns a gate transition into timer changes and events.
func (p *Pipeline) apply(tr gate.Transition, metric int, now time.Time) {
	if tr.Changed() || tr.To == gate.MotionActive {
		p.syncSettleTimer(now)
	}
	metrics.GateState.Set(float64(tr.To))

	switch tr.Event {
	case gate.EventMotionDetected:
		p.lastActivity = now
		metrics.GateEventsTotal.WithLabelValues(tr.Event.String()).Inc()
		p.logger.Info("motion detected", "pixels", metric)
		p.emit(Event{Kind: EventMotionDetected, Time: now, State: tr.To, Metric: metric})
	case gate.EventMotionStopped:
		p.lastActivity = now
		metrics.GateEventsTotal.WithLabelValues(tr.Event.String()).Inc()
		p.logger.Debug("motion stopped, settling", "pixels", metric, "settle", p.config.Gate.SettleDelay)
		p.emit(Event{Kind: EventMotionStopped, Time: now, State: tr.To, Metric: metric})
	}
}

// settle fires the capture if the gate deadline has passed at now.
func (p *Pipeline) settle(ctx context.Context, now time.Time) {
	tr, fired := p.gate.Elapse(now)
	if !fired {
		// keep the timer aligned with the gate deadline
		p.syncSettleTimer(now)
		return
	}
	stopTimer(p.settleTimer)
	metrics.GateState.Set(float64(tr.To))
	metrics.GateEventsTotal.WithLabelValues(tr.Event.String()).Inc()
	p.capture(ctx, now)
}

func (p *Pipeline) capture(ctx context.Context, now time.Time) {
	p.lastActivity = now
	objectID, imageNumber := p.sequence.Next()
	rot := p.sampler.Rotation()

	c, err := p.emitter.Emit(ctx, rot, objectID, imageNumber)
	if err != nil {
		p.sequence.Retake()
		p.logger.Error("capture failed", "error", err)
		p.emit(Event{Kind: EventEmitFailed, Time: now, State: p.gate.State(), Err: err})
	} else {
		p.captures++
		p.lastCapture = now
		p.logger.Info("image captured",
			"seq", c.Seq,
			"object_id", c.ObjectID,
			"image_number", c.ImageNumber,
			"size", fmt.Sprintf("%dx%d", c.Width, c.Height),
			"rotation", rot,
			"object_complete", p.sequence.ObjectComplete())
		p.emit(Event{Kind: EventCaptured, Time: now, State: p.gate.State(), Rotation: rot, Capture: &c})
	}

	// the gate is back in Idle whatever happened to the capture
	p.emit(Event{Kind: EventReadyForNext, Time: now, State: p.gate.State()})
}

func (p *Pipeline) checkIdle(now time.Time) {
	if p.config.IdleTimeout <= 0 || p.held || p.gate.State() != gate.Idle {
		return
	}
	if now.Sub(p.lastActivity) < p.config.IdleTimeout {
		return
	}
	p.held = true
	p.gate.Reset()
	stopTimer(p.settleTimer)
	stopTimer(p.sampleTimer)
	p.logger.Info("no activity, holding until resumed", "idle", p.config.IdleTimeout)
	p.emit(Event{Kind: EventHeld, Time: now, State: gate.Idle})
}

func (p *Pipeline) publishLive(s sampler.Sample, now time.Time) {
	if p.live == nil || p.config.LiveFrameInterval <= 0 {
		return
	}
	if !p.lastLive.IsZero() && now.Sub(p.lastLive) < p.config.LiveFrameInterval {
		return
	}
	p.lastLive = now

	data, err := emitter.EncodeJPEG(s.Image, p.config.LiveJPEGQuality)
	if err != nil {
		p.logger.Warn("live frame encode failed", "error", err)
		return
	}
	b := s.Image.Bounds()
	if err := p.live.SendLiveFrame(data, b.Dx(), b.Dy()); err != nil {
		debug.Log(p.logger, "live frame dropped", "error", err)
	}
}

func (p *Pipeline) handle(ctx context.Context, cmd command) {
	now := p.now()

	switch cmd.kind {
	case cmdStart:
		p.start(now)

	case cmdStop:
		p.stop(now)

	case cmdToggle:
		if p.active {
			p.stop(now)
		} else {
			p.start(now)
		}

	case cmdResume:
		if !p.held {
			return
		}
		p.held = false
		p.lastActivity = now
		if p.config.ReseedOnResume {
			p.estimator.Reset()
		}
		if p.active {
			p.scheduleSample(0)
		}
		p.logger.Info("capture resumed")
		p.emit(Event{Kind: EventResumed, Time: now, State: p.gate.State()})

	case cmdRotate:
		rot, err := p.sampler.Rotation().Add(cmd.delta)
		if err != nil {
			p.logger.Warn("ignoring rotation", "delta", cmd.delta, "error", err)
			return
		}
		p.sampler.SetRotation(rot)
		// the next frame has a different framing, compare from scratch
		p.estimator.Reset()
		p.logger.Info("view rotated", "rotation", rot)
		p.emit(Event{Kind: EventRotated, Time: now, State: p.gate.State(), Rotation: rot})

	case cmdRetake:
		if p.sequence.Retake() {
			objectID, imageNumber := p.sequence.Current()
			p.logger.Info("retaking image", "object_id", objectID, "next_image", imageNumber+1)
			p.emit(Event{Kind: EventRetake, Time: now, State: p.gate.State()})
		}

	case cmdDelivered:
		c := cmd.capture
		p.emit(Event{Kind: EventDeliveryFailed, Time: now, State: p.gate.State(), Capture: &c, Err: cmd.err})
	}
}

func (p *Pipeline) start(now time.Time) {
	if p.active {
		return
	}
	p.active = true
	p.held = false
	p.gate.Reset()
	if p.config.ReseedOnResume {
		p.estimator.Reset()
	}
	p.lastActivity = now
	if p.running.Load() {
		p.scheduleSample(0)
	}
	p.logger.Info("capture started")
	p.emit(Event{Kind: EventStarted, Time: now, State: gate.Idle})
}

func (p *Pipeline) stop(now time.Time) {
	if !p.active {
		return
	}
	p.active = false
	p.held = false
	stopTimer(p.sampleTimer)
	stopTimer(p.settleTimer)
	p.gate.Reset()
	metrics.GateState.Set(float64(gate.Idle))
	p.logger.Info("capture stopped")
	p.emit(Event{Kind: EventStopped, Time: now, State: gate.Idle})
}

// syncSettleTimer makes the settle timer match the gate deadline.
// The previous timer is always stopped first.
func (p *Pipeline) syncSettleTimer(now time.Time) {
	stopTimer(p.settleTimer)
	if deadline, armed := p.gate.Deadline(); armed {
		p.settleTimer.Reset(max(0, deadline.Sub(now)))
	}
}

func (p *Pipeline) scheduleSample(d time.Duration) {
	stopTimer(p.sampleTimer)
	p.sampleTimer.Reset(max(0, d))
}

func (p *Pipeline) emit(e Event) {
	if e.Rotation == 0 {
		e.Rotation = p.sampler.Rotation()
	}
	// observers reading Status see the state that produced e
	p.publishStatus()

	p.obsMu.RLock()
	observers := p.observers
	p.obsMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("observer panicked", "event", e.Kind, "panic", r)
				}
			}()
			o.OnEvent(e)
		}()
	}
}

func (p *Pipeline) publishStatus() {
	objectID, imageNumber := p.sequence.Current()
	p.status.Store(&Status{
		Running:       p.active,
		Held:          p.held,
		State:         p.gate.State().String(),
		Rotation:      int(p.sampler.Rotation()),
		LastMetric:    p.lastMetric,
		Cycles:        p.cycles,
		Skipped:       p.skipped,
		Captures:      p.captures,
		ObjectID:      objectID,
		ImageNumber:   imageNumber,
		LastCaptureAt: p.lastCapture,
	})
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

// stopTimer stops t and drains a value that may already be pending.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
