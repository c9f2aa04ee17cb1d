// Package relay connects capture agents to browser viewers. The Server
// keeps the shared capture state and fans agent frames out to viewers;
// the Client is the agent side.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-stillcam/pkg/hub"
	"github.com/teslashibe/go-stillcam/pkg/metrics"
	"github.com/teslashibe/go-stillcam/pkg/protocol"
)

// MaxLogs is the size of the debug message ring.
const MaxLogs = 500

const agentWriteWait = 10 * time.Second

// LogEntry is one debug message kept for /api/logs.
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // info, success, warning, error
	Message string `json:"message"`
}

// StoredCapture is the most recent still received from an agent.
type StoredCapture struct {
	AgentID     string
	Format      string
	Width       int
	Height      int
	ObjectID    int
	ImageNumber int
	Seq         uint64
	Data        []byte
	ReceivedAt  time.Time
}

// AgentConnection is a connected capture agent.
type AgentConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send writes one text frame to the agent.
func (a *AgentConnection) Send(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return a.Conn.WriteMessage(websocket.TextMessage, data)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRequestLog enables fiber's access log middleware.
func WithRequestLog() ServerOption {
	return func(s *Server) {
		s.requestLog = true
	}
}

// Server is the relay between capture agents and viewers.
type Server struct {
	app        *fiber.App
	logger     *slog.Logger
	requestLog bool
	viewers    *hub.Hub

	stateMu sync.RWMutex
	state   protocol.StateData

	logsMu sync.RWMutex
	logs   []LogEntry

	agentsMu sync.RWMutex
	agents   map[string]*AgentConnection

	captureMu sync.RWMutex
	latest    *StoredCapture

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	liveFrames       atomic.Uint64
	captures         atomic.Uint64
}

// NewServer creates a relay server in the ready state.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: slog.Default(),
		state:  protocol.StateData{Status: protocol.StatusReady},
		logs:   make([]LogEntry, 0, MaxLogs),
		agents: make(map[string]*AgentConnection),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.viewers = hub.New("viewers",
		hub.WithLogger(s.logger),
		hub.WithClientGauge(metrics.RelayViewers),
		hub.OnConnect(s.greetViewer),
		hub.OnMessage(s.handleViewerMessage),
	)

	app := fiber.New(fiber.Config{
		AppName:               "stillcam relay",
		DisableStartupMessage: true,
		BodyLimit:             32 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if s.requestLog {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"agents": s.AgentCount(),
		})
	})
	app.Get("/metrics", metrics.Handler())

	api := app.Group("/api")
	api.Get("/state", s.handleGetState)
	api.Post("/state", s.handleSetState)
	api.Post("/resume", s.handleResume)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/captures/latest", s.handleLatestCapture)
	api.Get("/agents", s.handleAgents)
	api.Get("/stats", s.handleStats)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/viewer", fws.New(func(c *fws.Conn) {
		hub.NewClient(s.viewers, c).Run()
	}))
	app.Get("/ws/agent/:id?", websocket.New(s.handleAgent))

	s.app = app
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.viewers.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

// State returns the current capture state.
func (s *Server) State() protocol.StateData {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// UpdateState applies fn to the state and broadcasts the result.
func (s *Server) UpdateState(fn func(*protocol.StateData)) protocol.StateData {
	s.stateMu.Lock()
	fn(&s.state)
	state := s.state
	s.stateMu.Unlock()

	s.broadcastState(state)
	return state
}

// Resume moves a waiting state back to ready. It reports whether the
// state changed.
func (s *Server) Resume() bool {
	s.stateMu.Lock()
	if s.state.Status != protocol.StatusWaiting {
		s.stateMu.Unlock()
		return false
	}
	s.state.Status = protocol.StatusReady
	state := s.state
	s.stateMu.Unlock()

	s.logger.Info("capture resumed by viewer")
	s.broadcastState(state)
	return true
}

func (s *Server) broadcastState(state protocol.StateData) {
	msg, err := protocol.NewStateMessage(state)
	if err != nil {
		s.logger.Error("encode state", "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		s.logger.Error("encode state", "error", err)
		return
	}
	s.toViewers(protocol.TypeUpdateState, data)
	s.toAgents(protocol.TypeUpdateState, data)
}

// AddLog records a debug message and forwards it to viewers.
func (s *Server) AddLog(severity, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    severity,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > MaxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	msg, err := protocol.NewDebugMessage(message, severity)
	if err != nil {
		return
	}
	if data, err := msg.Bytes(); err == nil {
		s.toViewers(protocol.TypeDebugMessage, data)
	}
}

// Logs returns a copy of the debug ring, oldest first.
func (s *Server) Logs() []LogEntry {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// LatestCapture returns the most recent still, or nil.
func (s *Server) LatestCapture() *StoredCapture {
	s.captureMu.RLock()
	defer s.captureMu.RUnlock()
	return s.latest
}

func (s *Server) toViewers(t protocol.MessageType, data []byte) {
	s.viewers.Broadcast(hub.NewJSONMessage(data))
	metrics.RelayMessagesTotal.WithLabelValues("viewers", string(t)).Inc()
}

func (s *Server) toAgents(t protocol.MessageType, data []byte) {
	for _, agent := range s.agentList() {
		s.messagesSent.Add(1)
		if err := agent.Send(data); err != nil {
			s.logger.Warn("send to agent failed", "agent", agent.ID, "error", err)
			continue
		}
		metrics.RelayMessagesTotal.WithLabelValues("agents", string(t)).Inc()
	}
}

// greetViewer runs on the hub goroutine for every new viewer.
func (s *Server) greetViewer(c *hub.Client) {
	send := func(msg *protocol.Message, err error) {
		if err != nil {
			return
		}
		if data, err := msg.Bytes(); err == nil {
			c.Send(hub.NewJSONMessage(data))
		}
	}

	send(protocol.NewDebugMessage("Initializing capture system...", protocol.DebugInfo))
	if n := s.AgentCount(); n > 0 {
		send(protocol.NewDebugMessage(fmt.Sprintf("Capture agent connected (%d)", n), protocol.DebugInfo))
	} else {
		send(protocol.NewDebugMessage("Waiting for a capture agent...", protocol.DebugWarning))
	}
	send(protocol.NewStateMessage(s.State()))
}

func (s *Server) handleViewerMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("bad viewer message", "error", err)
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in", string(msg.Type)).Inc()
	s.messagesReceived.Add(1)

	switch msg.Type {
	case protocol.TypeResumeCapture:
		s.Resume()
	default:
		s.logger.Debug("ignoring viewer message", "type", msg.Type)
	}
}

// handleAgent serves one capture agent connection.
func (s *Server) handleAgent(c *websocket.Conn) {
	agentID := c.Params("id")
	if agentID == "" {
		agentID = uuid.NewString()
	}

	agent := &AgentConnection{
		ID:        agentID,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	s.agentsMu.Lock()
	if old, ok := s.agents[agentID]; ok {
		old.Conn.Close()
	}
	s.agents[agentID] = agent
	count := len(s.agents)
	s.agentsMu.Unlock()
	metrics.RelayAgents.Set(float64(count))

	s.logger.Info("agent connected", "agent", agentID, "agents", count)
	s.AddLog(protocol.DebugInfo, "Capture agent connected")

	defer func() {
		s.agentsMu.Lock()
		if s.agents[agentID] == agent {
			delete(s.agents, agentID)
		}
		count := len(s.agents)
		s.agentsMu.Unlock()
		metrics.RelayAgents.Set(float64(count))

		s.logger.Info("agent disconnected", "agent", agentID, "agents", count)
		s.AddLog(protocol.DebugWarning, "Capture agent disconnected")
	}()

	// the agent resumes on a ready state, so it needs the current one
	if msg, err := protocol.NewStateMessage(s.State()); err == nil {
		if data, err := msg.Bytes(); err == nil {
			agent.Send(data)
		}
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("agent read ended", "agent", agentID, "error", err)
			return
		}

		agent.mu.Lock()
		agent.LastSeen = time.Now()
		agent.mu.Unlock()

		s.messagesReceived.Add(1)
		s.handleAgentMessage(agentID, data)
	}
}

// handleAgentMessage processes one message from an agent. Bad messages
// are logged and dropped.
func (s *Server) handleAgentMessage(agentID string, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("bad agent message", "agent", agentID, "error", err)
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypeSetState:
		state, err := msg.GetStateData()
		if err != nil {
			s.logger.Warn("bad set_state", "agent", agentID, "error", err)
			return
		}
		// agents may set any status, including waiting
		s.UpdateState(func(st *protocol.StateData) { *st = *state })

	case protocol.TypeLiveFrame:
		s.liveFrames.Add(1)
		s.toViewers(msg.Type, data)

	case protocol.TypeCaptureFrame:
		cf, err := msg.GetCaptureFrameData()
		if err != nil {
			s.logger.Warn("bad capture_frame", "agent", agentID, "error", err)
			return
		}
		img, err := cf.DecodeFrameData()
		if err != nil {
			s.logger.Warn("bad capture_frame data", "agent", agentID, "error", err)
			return
		}

		s.captureMu.Lock()
		s.latest = &StoredCapture{
			AgentID:     agentID,
			Format:      cf.Format,
			Width:       cf.Width,
			Height:      cf.Height,
			ObjectID:    cf.ObjectID,
			ImageNumber: cf.ImageNumber,
			Seq:         cf.Seq,
			Data:        img,
			ReceivedAt:  time.Now(),
		}
		s.captureMu.Unlock()
		s.captures.Add(1)

		s.toViewers(msg.Type, data)

	case protocol.TypeDebugMessage:
		d, err := msg.GetDebugData()
		if err != nil {
			return
		}
		s.AddLog(d.Type, d.Message)

	default:
		s.logger.Warn("unknown agent message", "agent", agentID, "type", msg.Type)
	}
}

func (s *Server) agentList() []*AgentConnection {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	agents := make([]*AgentConnection, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	return agents
}

// AgentCount returns the number of connected agents.
func (s *Server) AgentCount() int {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	return len(s.agents)
}

// AgentInfo describes a connected agent.
type AgentInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// AgentInfos returns info about all connected agents.
func (s *Server) AgentInfos() []AgentInfo {
	agents := s.agentList()
	infos := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		a.mu.Lock()
		infos = append(infos, AgentInfo{
			ID:        a.ID,
			Connected: a.Connected,
			LastSeen:  a.LastSeen,
		})
		a.mu.Unlock()
	}
	return infos
}

// Stats contains relay statistics.
type Stats struct {
	Viewers          int                `json:"viewers"`
	Agents           int                `json:"agents"`
	MessagesReceived uint64             `json:"messages_received"`
	MessagesSent     uint64             `json:"messages_sent"`
	LiveFrames       uint64             `json:"live_frames"`
	Captures         uint64             `json:"captures"`
	State            protocol.StateData `json:"state"`
}

// GetStats returns relay statistics.
func (s *Server) GetStats() Stats {
	return Stats{
		Viewers:          s.viewers.ClientCount(),
		Agents:           s.AgentCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		LiveFrames:       s.liveFrames.Load(),
		Captures:         s.captures.Load(),
		State:            s.State(),
	}
}

// statePatch holds the fields accepted by POST /api/state.
type statePatch struct {
	ObjectID    *int    `json:"object_id"`
	ImageNumber *int    `json:"image_number"`
	Status      *string `json:"status"`
}

var validStateKeys = map[string]bool{
	"object_id":    true,
	"image_number": true,
	"status":       true,
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

func (s *Server) handleGetState(c *fiber.Ctx) error {
	return c.JSON(s.State())
}

// handleSetState merges the provided fields and broadcasts the result.
func (s *Server) handleSetState(c *fiber.Ctx) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(c.Body(), &keys); err != nil {
		return badRequest(c, "Invalid JSON")
	}
	for key := range keys {
		if !validStateKeys[key] {
			return badRequest(c, "Invalid state keys")
		}
	}

	var patch statePatch
	if err := json.Unmarshal(c.Body(), &patch); err != nil {
		return badRequest(c, "Invalid state values")
	}
	if patch.Status != nil && !protocol.ValidStatus(*patch.Status) {
		return badRequest(c, "Invalid status")
	}

	state := s.UpdateState(func(st *protocol.StateData) {
		if patch.ObjectID != nil {
			st.ObjectID = *patch.ObjectID
		}
		if patch.ImageNumber != nil {
			st.ImageNumber = *patch.ImageNumber
		}
		if patch.Status != nil {
			st.Status = *patch.Status
		}
	})

	return c.JSON(fiber.Map{
		"success": true,
		"state":   state,
	})
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	resumed := s.Resume()
	return c.JSON(fiber.Map{
		"resumed": resumed,
		"state":   s.State(),
	})
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	return c.JSON(s.Logs())
}

func (s *Server) handleLatestCapture(c *fiber.Ctx) error {
	latest := s.LatestCapture()
	if latest == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no capture yet"})
	}

	c.Set(fiber.HeaderContentType, "image/"+latest.Format)
	c.Set("X-Object-Id", fmt.Sprint(latest.ObjectID))
	c.Set("X-Image-Number", fmt.Sprint(latest.ImageNumber))
	c.Set("X-Capture-Seq", fmt.Sprint(latest.Seq))
	return c.Send(latest.Data)
}

func (s *Server) handleAgents(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"agents": s.AgentInfos(),
		"count":  s.AgentCount(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.GetStats())
}
