package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func serve(t *testing.T, h *Hub, port string) {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		NewClient(h, c).Run()
	}))
	go app.Listen(":" + port)
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)
}

func TestHubGreetBroadcastAndDispatch(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_hub_clients"})
	inbound := make(chan string, 4)

	h := New("test",
		WithLogger(quiet),
		WithClientGauge(gauge),
		OnConnect(func(c *Client) {
			c.Send(NewJSONMessage([]byte(`{"hello":true}`)))
		}),
		OnMessage(func(c *Client, data []byte) {
			inbound <- string(data)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	serve(t, h, "18100")

	ws, _, err := gws.DefaultDialer.Dial("ws://localhost:18100/ws", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != `{"hello":true}` {
		t.Errorf("greeting = %s", data)
	}

	if n := h.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	if v := testutil.ToFloat64(gauge); v != 1 {
		t.Errorf("gauge = %v, want 1", v)
	}

	if err := h.BroadcastJSON(map[string]int{"n": 7}); err != nil {
		t.Fatalf("BroadcastJSON() error = %v", err)
	}
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != gws.TextMessage || string(data) != `{"n":7}` {
		t.Errorf("broadcast = %d %s", mt, data)
	}

	h.BroadcastBinary([]byte{1, 2, 3})
	mt, data, err = ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != gws.BinaryMessage || len(data) != 3 {
		t.Errorf("binary = %d %v", mt, data)
	}

	ws.WriteMessage(gws.TextMessage, []byte(`{"type":"resume_capture"}`))
	select {
	case got := <-inbound:
		if got != `{"type":"resume_capture"}` {
			t.Errorf("dispatched = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage not called")
	}
}

func TestHubRunClosesClients(t *testing.T) {
	h := New("closing", WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	serve(t, h, "18101")

	if !h.IsRunning() {
		t.Fatal("IsRunning() = false after Run")
	}

	ws, _, err := gws.DefaultDialer.Dial("ws://localhost:18101/ws", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)
	cancel()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	time.Sleep(50 * time.Millisecond)
	if h.IsRunning() {
		t.Error("IsRunning() = true after cancel")
	}
	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d, want 0", n)
	}

	// late connections are refused instead of blocking forever
	late, _, err := gws.DefaultDialer.Dial("ws://localhost:18101/ws", nil)
	if err == nil {
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := late.ReadMessage(); err == nil {
			t.Error("late client should be closed")
		}
		late.Close()
	}
}
