package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeController records control calls.
type fakeController struct {
	mu     sync.Mutex
	calls  []string
	deltas []int
	err    error
	status pipeline.Status
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Start() error  { return f.record("start") }
func (f *fakeController) Stop() error   { return f.record("stop") }
func (f *fakeController) Toggle() error { return f.record("toggle") }
func (f *fakeController) Resume() error { return f.record("resume") }
func (f *fakeController) Retake() error { return f.record("retake") }

func (f *fakeController) Rotate(delta int) error {
	if _, err := frame.ParseRotation(delta); err != nil {
		return err
	}
	f.mu.Lock()
	f.deltas = append(f.deltas, delta)
	f.mu.Unlock()
	return f.record("rotate")
}

func (f *fakeController) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func do(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestControlRoutes(t *testing.T) {
	ctl := &fakeController{}
	s := NewServer(ctl, WithLogger(quiet))

	routes := []struct {
		path string
		call string
	}{
		{"/api/capture/start", "start"},
		{"/api/capture/stop", "stop"},
		{"/api/capture/toggle", "toggle"},
		{"/api/resume", "resume"},
		{"/api/retake", "retake"},
	}

	for _, r := range routes {
		code, _ := do(t, s, "POST", r.path, "")
		if code != 202 {
			t.Errorf("POST %s = %d, want 202", r.path, code)
		}
	}

	if len(ctl.calls) != len(routes) {
		t.Fatalf("calls = %v", ctl.calls)
	}
	for i, r := range routes {
		if ctl.calls[i] != r.call {
			t.Errorf("call %d = %q, want %q", i, ctl.calls[i], r.call)
		}
	}
}

func TestControlBusy(t *testing.T) {
	ctl := &fakeController{err: pipeline.ErrBusy}
	s := NewServer(ctl, WithLogger(quiet))

	code, body := do(t, s, "POST", "/api/capture/toggle", "")
	if code != 503 {
		t.Errorf("Status = %d, want 503", code)
	}
	if !strings.Contains(string(body), "control queue full") {
		t.Errorf("body = %s", body)
	}

	ctl.err = errors.New("boom")
	if code, _ := do(t, s, "POST", "/api/resume", ""); code != 500 {
		t.Errorf("Status = %d, want 500", code)
	}
}

func TestRotate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"clockwise", `{"delta": 90}`, 202},
		{"counter clockwise", `{"delta": -90}`, 202},
		{"not a right angle", `{"delta": 45}`, 400},
		{"bad json", `{delta`, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &fakeController{}
			s := NewServer(ctl, WithLogger(quiet))

			code, body := do(t, s, "POST", "/api/rotate", tt.body)
			if code != tt.want {
				t.Errorf("Status = %d, want %d (%s)", code, tt.want, body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{status: pipeline.Status{Running: true, State: "idle", Captures: 3, Rotation: 90}}
	s := NewServer(ctl, WithLogger(quiet))

	code, body := do(t, s, "GET", "/api/status", "")
	if code != 200 {
		t.Fatalf("Status = %d, want 200", code)
	}

	var got pipeline.Status
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !got.Running || got.State != "idle" || got.Captures != 3 || got.Rotation != 90 {
		t.Errorf("status = %+v", got)
	}
}

func TestLatestCapture(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet))

	if code, _ := do(t, s, "GET", "/api/captures/latest", ""); code != 404 {
		t.Errorf("Status = %d before any capture, want 404", code)
	}

	c := emitter.Capture{Seq: 1, ObjectID: 2, ImageNumber: 1, Format: emitter.FormatJPEG, Data: []byte("jpeg")}
	s.Delivered(c, errors.New("disk full"))
	if s.Latest() != nil {
		t.Fatal("failed delivery should not be recorded")
	}

	s.Delivered(c, nil)

	req := httptest.NewRequest("GET", "/api/captures/latest", nil)
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "jpeg" {
		t.Errorf("latest = %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := resp.Header.Get("X-Object-Id"); id != "2" {
		t.Errorf("X-Object-Id = %q", id)
	}
}

func TestOnEventLogs(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet))

	s.OnEvent(pipeline.Event{Kind: pipeline.EventMotionDetected})
	s.OnEvent(pipeline.Event{Kind: pipeline.EventCaptured})

	logs := s.Logs()
	if len(logs) != 2 {
		t.Fatalf("len(Logs()) = %d, want 2", len(logs))
	}
	if logs[1].Message != "Image captured" || logs[1].Type != "success" {
		t.Errorf("logs[1] = %+v", logs[1])
	}

	for i := 0; i < MaxLogs+5; i++ {
		s.AddLog("info", "x")
	}
	if n := len(s.Logs()); n != MaxLogs {
		t.Errorf("len(Logs()) = %d, want %d", n, MaxLogs)
	}
}

func TestCameraRoutes(t *testing.T) {
	mgr := camera.NewManager(camera.DefaultConfig())
	var applied []camera.Config
	mgr.OnConfigChange = func(cfg camera.Config) error {
		applied = append(applied, cfg)
		return nil
	}
	s := NewServer(&fakeController{}, WithLogger(quiet), WithCamera(mgr))

	code, body := do(t, s, "GET", "/api/camera", "")
	if code != 200 || !strings.Contains(string(body), `"width":640`) {
		t.Errorf("GET /api/camera = %d %s", code, body)
	}

	code, body = do(t, s, "PUT", "/api/camera", `{"preset": "720p", "framerate": 25}`)
	if code != 200 {
		t.Fatalf("PUT /api/camera = %d %s", code, body)
	}
	if got := mgr.GetConfig(); got.Width != 1280 || got.Framerate != 25 {
		t.Errorf("config = %+v", got)
	}
	if len(applied) != 1 {
		t.Errorf("OnConfigChange calls = %d, want 1", len(applied))
	}

	if code, _ := do(t, s, "PUT", "/api/camera", `{"preset": "fisheye"}`); code != 400 {
		t.Errorf("unknown preset = %d, want 400", code)
	}
	if code, _ := do(t, s, "PUT", "/api/camera", `{"width": 100000}`); code != 400 {
		t.Errorf("invalid width = %d, want 400", code)
	}
	if len(applied) != 1 {
		t.Errorf("rejected updates reached the device")
	}

	code, body = do(t, s, "GET", "/api/camera/presets", "")
	if code != 200 || !strings.Contains(string(body), "manual-focus") {
		t.Errorf("GET /api/camera/presets = %d %s", code, body)
	}
}

func TestCameraRoutes_NoCamera(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet))

	if code, _ := do(t, s, "GET", "/api/camera", ""); code != 404 {
		t.Errorf("GET /api/camera = %d, want 404", code)
	}
	if code, _ := do(t, s, "PUT", "/api/camera", `{"width": 640}`); code != 404 {
		t.Errorf("PUT /api/camera = %d, want 404", code)
	}
}

type fakeDevice struct{}

func (fakeDevice) Stats() (frames, drops, fails uint64) { return 120, 7, 1 }

func TestCameraStats(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet), WithDevice(fakeDevice{}))

	code, body := do(t, s, "GET", "/api/camera/stats", "")
	if code != 200 {
		t.Fatalf("GET /api/camera/stats = %d", code)
	}
	var got struct{ Frames, Drops, Fails uint64 }
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Frames != 120 || got.Drops != 7 || got.Fails != 1 {
		t.Errorf("stats = %+v", got)
	}

	bare := NewServer(&fakeController{}, WithLogger(quiet))
	if code, _ := do(t, bare, "GET", "/api/camera/stats", ""); code != 404 {
		t.Errorf("GET /api/camera/stats without device = %d, want 404", code)
	}
}

func TestRequestLogOption(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet), WithRequestLog())
	if !s.requestLog {
		t.Fatal("requestLog = false")
	}
	if code, _ := do(t, s, "GET", "/health", ""); code != 200 {
		t.Errorf("GET /health with request log = %d", code)
	}
}

func TestHealthAndUpgradeGuard(t *testing.T) {
	s := NewServer(&fakeController{}, WithLogger(quiet))

	if code, _ := do(t, s, "GET", "/health", ""); code != 200 {
		t.Errorf("GET /health = %d", code)
	}
	if code, _ := do(t, s, "GET", "/ws/status", ""); code != 426 {
		t.Errorf("GET /ws/status without upgrade = %d, want 426", code)
	}
}

func TestWebSockets(t *testing.T) {
	ctl := &fakeController{status: pipeline.Status{Running: true, State: "idle"}}
	s := NewServer(ctl, WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, ":18098")
	time.Sleep(100 * time.Millisecond)

	status, _, err := websocket.DefaultDialer.Dial("ws://localhost:18098/ws/status", nil)
	if err != nil {
		t.Fatalf("status dial error: %v", err)
	}
	defer status.Close()

	live, _, err := websocket.DefaultDialer.Dial("ws://localhost:18098/ws/live", nil)
	if err != nil {
		t.Fatalf("live dial error: %v", err)
	}
	defer live.Close()

	status.SetReadDeadline(time.Now().Add(2 * time.Second))
	var greeting StatusMessage
	if err := status.ReadJSON(&greeting); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if greeting.Type != "status" || !greeting.Status.Running {
		t.Errorf("greeting = %+v", greeting)
	}

	s.OnEvent(pipeline.Event{Kind: pipeline.EventHeld})

	var event StatusMessage
	if err := status.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if event.Type != "event" || event.Event != string(pipeline.EventHeld) {
		t.Errorf("event = %+v", event)
	}
	if event.Log == nil || event.Log.Type != "warning" {
		t.Errorf("event log = %+v", event.Log)
	}

	// the live client is registered once the dial returns and the hub
	// has processed it
	time.Sleep(50 * time.Millisecond)
	s.SendLiveFrame([]byte{0xFF, 0xD8, 0xFF}, 320, 240)

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := live.ReadMessage()
	if err != nil {
		t.Fatalf("live ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage || len(data) != 3 {
		t.Errorf("live frame = type %d, %d bytes", mt, len(data))
	}
}
