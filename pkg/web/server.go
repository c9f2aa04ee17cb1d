// Package web provides the local capture dashboard: pipeline controls,
// status and event streams, a live preview and camera settings.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/hub"
	"github.com/teslashibe/go-stillcam/pkg/metrics"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
)

// MaxLogs is the size of the event log ring.
const MaxLogs = 500

// Controller is the part of the pipeline the dashboard drives.
type Controller interface {
	Start() error
	Stop() error
	Toggle() error
	Resume() error
	Retake() error
	Rotate(delta int) error
	Status() pipeline.Status
}

// LogEntry is one line of the dashboard event log.
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // info, success, warning, error
	Message string `json:"message"`
}

// StatusMessage is pushed to /ws/status clients.
type StatusMessage struct {
	Type   string          `json:"type"` // status or event
	Event  string          `json:"event,omitempty"`
	Log    *LogEntry       `json:"log,omitempty"`
	Status pipeline.Status `json:"status"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCamera exposes camera settings under /api/camera.
func WithCamera(m *camera.Manager) Option {
	return func(s *Server) {
		s.camera = m
	}
}

// DeviceStats reports capture device counters.
type DeviceStats interface {
	Stats() (frames, drops, fails uint64)
}

// WithDevice exposes device counters under /api/camera/stats.
func WithDevice(d DeviceStats) Option {
	return func(s *Server) {
		s.device = d
	}
}

// WithRequestLog enables fiber's access log middleware.
func WithRequestLog() Option {
	return func(s *Server) {
		s.requestLog = true
	}
}

// Server is the local dashboard server
type Server struct {
	app        *fiber.App
	ctl        Controller
	camera     *camera.Manager
	device     DeviceStats
	logger     *slog.Logger
	requestLog bool

	// Log buffer (last MaxLogs entries)
	logs   []LogEntry
	logsMu sync.RWMutex

	// Most recent delivered still
	latest   *emitter.Capture
	latestMu sync.RWMutex

	statusHub *hub.Hub
	liveHub   *hub.Hub
}

// NewServer creates a dashboard driving ctl.
func NewServer(ctl Controller, opts ...Option) *Server {
	s := &Server{
		ctl:    ctl,
		logger: slog.Default(),
		logs:   make([]LogEntry, 0, MaxLogs),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.statusHub = hub.New("status",
		hub.WithLogger(s.logger),
		hub.OnConnect(s.greetStatus),
	)
	s.liveHub = hub.New("live", hub.WithLogger(s.logger))

	app := fiber.New(fiber.Config{
		AppName:               "stillcam dashboard",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if s.requestLog {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/capture/start", s.command(ctl.Start))
	api.Post("/capture/stop", s.command(ctl.Stop))
	api.Post("/capture/toggle", s.command(ctl.Toggle))
	api.Post("/resume", s.command(ctl.Resume))
	api.Post("/retake", s.command(ctl.Retake))
	api.Post("/rotate", s.handleRotate)
	api.Get("/captures/latest", s.handleLatestCapture)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleSetCamera)
	api.Get("/camera/presets", s.handlePresets)
	api.Get("/camera/stats", s.handleCameraStats)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(func(c *websocket.Conn) {
		hub.NewClient(s.statusHub, c).Run()
	}))
	app.Get("/ws/live", websocket.New(func(c *websocket.Conn) {
		hub.NewClient(s.liveHub, c).Run()
	}))

	s.app = app
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.statusHub.Run(ctx)
	go s.liveHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

// OnEvent records pipeline events in the log and pushes them to status
// clients.
func (s *Server) OnEvent(e pipeline.Event) {
	entry := s.AddLog(e.Severity(), e.Message())
	s.statusHub.BroadcastJSON(StatusMessage{
		Type:   "event",
		Event:  string(e.Kind),
		Log:    &entry,
		Status: s.ctl.Status(),
	})
}

// SendLiveFrame pushes a JPEG preview to /ws/live clients.
func (s *Server) SendLiveFrame(jpeg []byte, width, height int) error {
	s.liveHub.BroadcastBinary(jpeg)
	return nil
}

// AddLog appends an entry to the log ring.
func (s *Server) AddLog(logType, message string) LogEntry {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > MaxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()
	return entry
}

// Logs returns a copy of the log ring, oldest first.
func (s *Server) Logs() []LogEntry {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// Latest returns the most recent delivered still, or nil.
func (s *Server) Latest() *emitter.Capture {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

// Delivered records successful deliveries as the latest capture. Register
// it with emitter.OnDelivered.
func (s *Server) Delivered(c emitter.Capture, err error) {
	if err != nil {
		return
	}
	s.latestMu.Lock()
	s.latest = &c
	s.latestMu.Unlock()
}

// greetStatus runs on the hub goroutine for every new status client.
func (s *Server) greetStatus(c *hub.Client) {
	msg, err := hub.EncodeJSON(StatusMessage{Type: "status", Status: s.ctl.Status()})
	if err != nil {
		return
	}
	c.Send(msg)
}

var (
	_ pipeline.Observer = (*Server)(nil)
	_ pipeline.LiveSink = (*Server)(nil)
)
