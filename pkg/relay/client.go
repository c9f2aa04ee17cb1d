package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-stillcam/internal/httpc"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/metrics"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
	"github.com/teslashibe/go-stillcam/pkg/protocol"
)

// Client errors.
var (
	// ErrNotConnected is returned when the relay connection is down.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrBusy is returned when the outbound queue is full.
	ErrBusy = errors.New("relay: send queue full")

	// ErrBadURL is returned by NewClient for unsupported relay URLs.
	ErrBadURL = errors.New("relay: bad url")
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithAgentID sets the agent id used in the connection path.
func WithAgentID(id string) ClientOption {
	return func(c *Client) {
		c.agentID = id
	}
}

// WithReconnect sets the reconnect backoff bounds.
func WithReconnect(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minBackoff = minDelay
		c.maxBackoff = maxDelay
	}
}

type outbound struct {
	typ  protocol.MessageType
	data []byte
}

// Client is the capture agent's connection to a relay Server. It is an
// emitter.Sink for stills, a pipeline.LiveSink for previews and a
// pipeline.Observer that mirrors pipeline events as state and debug
// messages.
type Client struct {
	base       *url.URL
	agentID    string
	logger     *slog.Logger
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	out       chan outbound
	connected atomic.Bool

	mu      sync.RWMutex
	state   protocol.StateData
	onState []func(protocol.StateData)

	// last identifiers seen by OnEvent, pipeline goroutine only
	objectID    int
	imageNumber int
}

// NewClient creates a client for the relay at baseURL (http, https, ws
// or wss).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBadURL)
	}

	c := &Client{
		base:       u,
		logger:     slog.Default(),
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 10 * time.Second,
		out:        make(chan outbound, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.agentID == "" {
		c.agentID = uuid.NewString()
	}
	c.logger = c.logger.With("agent", c.agentID)
	return c, nil
}

// AgentURL returns the websocket URL the client dials.
func (c *Client) AgentURL() string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent/" + url.PathEscape(c.agentID)
	return u.String()
}

func (c *Client) httpURL(path string) string {
	u := *c.base
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// OnState registers a callback for update_state messages. Callbacks run
// on the read goroutine.
func (c *Client) OnState(fn func(protocol.StateData)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// OnResume calls fn whenever the relay reports the ready status.
func (c *Client) OnResume(fn func()) {
	c.OnState(func(s protocol.StateData) {
		if s.Status == protocol.StatusReady {
			fn()
		}
	})
}

// State returns the last state received from the relay.
func (c *Client) State() protocol.StateData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the relay connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps a connection to the relay until ctx is cancelled,
// reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	target := c.AgentURL()

	for {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("relay connect failed", "url", target, "retry", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		backoff = c.minBackoff
		c.session(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	c.connected.Store(true)
	c.logger.Info("relay connected", "url", c.AgentURL())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(conn, done)
	}()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})

	c.readLoop(conn)

	stop()
	c.connected.Store(false)
	close(done)
	conn.Close()
	wg.Wait()

	// queued messages belong to the dead connection
	for {
		select {
		case <-c.out:
		default:
			c.logger.Warn("relay disconnected")
			return
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case o := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, o.data); err != nil {
				c.logger.Warn("relay write failed", "type", o.typ, "error", err)
				conn.Close()
				return
			}
			metrics.RelayMessagesTotal.WithLabelValues("out", string(o.typ)).Inc()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("bad relay message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeUpdateState:
			state, err := msg.GetStateData()
			if err != nil {
				c.logger.Warn("bad update_state", "error", err)
				continue
			}
			c.mu.Lock()
			c.state = *state
			callbacks := c.onState
			c.mu.Unlock()

			c.logger.Debug("relay state", "object_id", state.ObjectID, "image_number", state.ImageNumber, "status", state.Status)
			for _, fn := range callbacks {
				fn(*state)
			}
		default:
			c.logger.Debug("ignoring relay message", "type", msg.Type)
		}
	}
}

// send queues msg. With block set it waits for queue space until ctx is done.
func (c *Client) send(ctx context.Context, msg *protocol.Message, block bool) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	o := outbound{typ: msg.Type, data: data}

	if !block {
		select {
		case c.out <- o:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case c.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements emitter.Sink.
func (c *Client) Name() string { return "relay" }

// Deliver sends a still as a capture_frame message.
func (c *Client) Deliver(ctx context.Context, capture emitter.Capture) error {
	msg, err := protocol.NewCaptureFrameMessage(protocol.CaptureFrameData{
		FrameData: protocol.FrameData{
			Width:  capture.Width,
			Height: capture.Height,
			Format: string(capture.Format),
		},
		ObjectID:    capture.ObjectID,
		ImageNumber: capture.ImageNumber,
		Seq:         capture.Seq,
		ID:          capture.ID,
	}, capture.Data)
	if err != nil {
		return err
	}
	return c.send(ctx, msg, true)
}

// SendLiveFrame sends a preview frame, dropping it when the queue is full.
func (c *Client) SendLiveFrame(jpeg []byte, width, height int) error {
	msg, err := protocol.NewLiveFrameMessage(width, height, jpeg)
	if err != nil {
		return err
	}
	return c.send(context.Background(), msg, false)
}

// SetState reports the agent's state to the relay.
func (c *Client) SetState(objectID, imageNumber int, status string) error {
	msg, err := protocol.NewSetStateMessage(objectID, imageNumber, status)
	if err != nil {
		return err
	}
	return c.send(context.Background(), msg, false)
}

// Debug sends a line to the viewer console.
func (c *Client) Debug(message, severity string) error {
	msg, err := protocol.NewDebugMessage(message, severity)
	if err != nil {
		return err
	}
	return c.send(context.Background(), msg, false)
}

// PostState sets the relay state over HTTP. Only the statuses accepted by
// POST /api/state are allowed.
func (c *Client) PostState(ctx context.Context, state protocol.StateData) (protocol.StateData, error) {
	var resp struct {
		Success bool               `json:"success"`
		State   protocol.StateData `json:"state"`
		Error   string             `json:"error"`
	}
	if err := httpc.PostJSON(ctx, c.httpURL("/api/state"), state, &resp); err != nil {
		return protocol.StateData{}, fmt.Errorf("post state: %w", err)
	}
	return resp.State, nil
}

// FetchState reads the relay state over HTTP.
func (c *Client) FetchState(ctx context.Context) (protocol.StateData, error) {
	var state protocol.StateData
	if err := httpc.GetJSON(ctx, c.httpURL("/api/state"), &state); err != nil {
		return protocol.StateData{}, fmt.Errorf("fetch state: %w", err)
	}
	return state, nil
}

// OnEvent mirrors pipeline events to the relay. It never blocks; messages
// are dropped while disconnected.
func (c *Client) OnEvent(e pipeline.Event) {
	if e.Capture != nil {
		c.objectID, c.imageNumber = e.Capture.ObjectID, e.Capture.ImageNumber
	}

	status := ""
	imageNumber := c.imageNumber
	switch e.Kind {
	case pipeline.EventMotionDetected:
		status = protocol.StatusCapturing
	case pipeline.EventCaptured:
		status = protocol.StatusProcessing
	case pipeline.EventReadyForNext, pipeline.EventResumed, pipeline.EventStarted:
		status = protocol.StatusReady
	case pipeline.EventHeld:
		status = protocol.StatusWaiting
		imageNumber = 0
	case pipeline.EventEmitFailed, pipeline.EventDeliveryFailed:
		status = protocol.StatusError
	}

	if status != "" {
		if err := c.SetState(c.objectID, imageNumber, status); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Debug("set_state dropped", "error", err)
		}
	}
	if err := c.Debug(e.Message(), e.Severity()); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("debug message dropped", "error", err)
	}
}

var (
	_ emitter.Sink      = (*Client)(nil)
	_ pipeline.LiveSink = (*Client)(nil)
	_ pipeline.Observer = (*Client)(nil)
)
