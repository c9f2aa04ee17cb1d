// stillcam: motion-triggered still capture from a webcam
// Local mode saves stills to disk and serves a control dashboard; relay
// mode streams stills and previews to a stillcam-relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-stillcam/internal/config"
	"github.com/teslashibe/go-stillcam/internal/log"
	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/debug"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
	"github.com/teslashibe/go-stillcam/pkg/protocol"
	"github.com/teslashibe/go-stillcam/pkg/relay"
	"github.com/teslashibe/go-stillcam/pkg/web"
	"github.com/teslashibe/go-stillcam/pkg/webcam"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Flags default to the environment and override it
	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "run mode: local or relay")
	flag.IntVar(&cfg.CameraIndex, "camera", cfg.CameraIndex, "camera device index")
	flag.StringVar(&cfg.CameraPreset, "preset", cfg.CameraPreset, "camera preset (default, 720p, 1080p, lowlight, manual-focus)")
	flag.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "output directory (local mode)")
	flag.BoolVar(&cfg.ClearOutput, "clear", cfg.ClearOutput, "clear the output directory at start")
	flag.StringVar(&cfg.Format, "format", cfg.Format, "still format: png or jpeg")
	flag.IntVar(&cfg.JPEGQuality, "quality", cfg.JPEGQuality, "JPEG quality (1-100)")
	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay server URL (relay mode)")
	flag.StringVar(&cfg.AgentID, "agent", cfg.AgentID, "agent id reported to the relay")
	flag.DurationVar(&cfg.SampleInterval, "interval", cfg.SampleInterval, "sampling interval")
	flag.IntVar(&cfg.MotionThreshold, "threshold", cfg.MotionThreshold, "changed pixels that count as motion")
	flag.DurationVar(&cfg.SettleDelay, "settle", cfg.SettleDelay, "quiet time before a capture")
	flag.IntVar(&cfg.ImagesPerObject, "images-per-object", cfg.ImagesPerObject, "images per object, 0 keeps the mode default")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "hold after this long without motion, 0 keeps the mode default")
	flag.DurationVar(&cfg.LiveInterval, "live-interval", cfg.LiveInterval, "minimum gap between preview frames, 0 disables")
	flag.IntVar(&cfg.Rotation, "rotate", cfg.Rotation, "initial rotation in degrees")
	flag.BoolVar(&cfg.StartPaused, "paused", cfg.StartPaused, "start with sampling paused")
	flag.StringVar(&cfg.Port, "port", cfg.Port, "dashboard port (local mode)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	debugCycles := flag.Bool("debug-cycles", false, "log every sampling cycle (very verbose)")
	flag.Parse()

	debug.Enabled = *debugFlag
	debug.Cycles = *debugCycles
	if debug.Enabled {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	if errs := cfg.Validate(); len(errs) > 0 {
		log.Error("invalid configuration", "errors", errs)
		os.Exit(2)
	}

	log.Info("stillcam starting", "version", version, "mode", cfg.Mode, "camera", cfg.CameraIndex, "preset", cfg.CameraPreset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("stillcam failed", "error", err)
		os.Exit(1)
	}
	log.Info("goodbye")
}

func run(ctx context.Context, cfg *config.Config) error {
	camCfg := *camera.GetPreset(cfg.CameraPreset)
	dev, err := webcam.Open(cfg.CameraIndex, camCfg, webcam.WithLogger(log.Component("webcam")))
	if err != nil {
		return err
	}
	defer dev.Close()

	cams := camera.NewManager(camCfg)
	cams.OnConfigChange = dev.Apply

	format, err := emitter.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	emOpts := []emitter.Option{
		emitter.WithFormat(format),
		emitter.WithJPEGQuality(cfg.JPEGQuality),
		emitter.WithLogger(log.Component("emitter")),
	}

	if cfg.Mode == config.ModeRelay {
		return runRelay(ctx, cfg, dev, emOpts)
	}
	return runLocal(ctx, cfg, dev, cams, emOpts)
}

// runLocal saves stills to disk and serves the dashboard.
func runLocal(ctx context.Context, cfg *config.Config, dev *webcam.Device, cams *camera.Manager, emOpts []emitter.Option) error {
	sink, err := emitter.NewFileSink(cfg.OutputDir, cfg.ClearOutput)
	if err != nil {
		return err
	}
	em := emitter.New(dev, sink, emOpts...)
	defer em.Wait()

	logger := log.Component("pipeline")
	p, err := pipeline.New(cfg.Pipeline(), dev, em, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	webOpts := []web.Option{
		web.WithLogger(log.Component("web")),
		web.WithCamera(cams),
		web.WithDevice(dev),
	}
	if debug.Enabled {
		webOpts = append(webOpts, web.WithRequestLog())
	}
	dash := web.NewServer(p, webOpts...)
	em.OnDelivered(dash.Delivered)
	p.AddObserver(dash)
	p.SetLiveSink(dash)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dashErr := make(chan error, 1)
	go func() {
		dashErr <- dash.Run(ctx, ":"+cfg.Port)
	}()

	logger.Info("saving stills", "dir", sink.Dir(), "format", em.Format())
	logger.Info("dashboard ready", "url", "http://localhost:"+cfg.Port)

	pipeErr := make(chan error, 1)
	go func() {
		pipeErr <- p.Run(ctx)
	}()

	select {
	case err := <-dashErr:
		cancel()
		<-pipeErr
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	case err := <-pipeErr:
		cancel()
		<-dashErr
		return err
	}
}

// runRelay streams stills, previews and state to a relay server.
func runRelay(ctx context.Context, cfg *config.Config, dev *webcam.Device, emOpts []emitter.Option) error {
	logger := log.Component("pipeline")
	client, err := relay.NewClient(cfg.RelayURL,
		relay.WithClientLogger(log.Component("relay")),
		relay.WithAgentID(cfg.AgentID),
	)
	if err != nil {
		return err
	}

	em := emitter.New(dev, client, emOpts...)
	defer em.Wait()

	p, err := pipeline.New(cfg.Pipeline(), dev, em,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(client),
		pipeline.WithLiveSink(client),
	)
	if err != nil {
		return err
	}

	// a viewer's resume_capture comes back as a ready state
	client.OnResume(func() {
		if err := p.Resume(); err != nil && !errors.Is(err, pipeline.ErrBusy) {
			logger.Warn("resume failed", "error", err)
		}
	})

	// start every session from object 0 on the relay
	postCtx, cancelPost := context.WithTimeout(ctx, 5*time.Second)
	if prev, err := client.FetchState(postCtx); err == nil && prev.ObjectID != 0 {
		logger.Info("resetting relay state", "previous_object", prev.ObjectID, "previous_status", prev.Status)
	}
	if _, err := client.PostState(postCtx, protocol.StateData{Status: protocol.StatusReady}); err != nil {
		logger.Warn("could not reset relay state", "url", cfg.RelayURL, "error", err)
	}
	cancelPost()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.Run(ctx)
	}()

	logger.Info("streaming to relay", "url", client.AgentURL())

	err = p.Run(ctx)
	cancel()
	<-clientDone
	return err
}
