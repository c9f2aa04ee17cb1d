package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-stillcam/internal/httpc"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
	"github.com/teslashibe/go-stillcam/pkg/protocol"
)

func TestNewClient_URLs(t *testing.T) {
	tests := []struct {
		base      string
		wantAgent string
		wantHTTP  string
	}{
		{"http://relay:5000", "ws://relay:5000/ws/agent/cam-1", "http://relay:5000/api/state"},
		{"https://relay.example.com/", "wss://relay.example.com/ws/agent/cam-1", "https://relay.example.com/api/state"},
		{"ws://10.0.0.2:5000/stillcam", "ws://10.0.0.2:5000/stillcam/ws/agent/cam-1", "http://10.0.0.2:5000/stillcam/api/state"},
	}

	for _, tt := range tests {
		c, err := NewClient(tt.base, WithAgentID("cam-1"), WithClientLogger(quiet))
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.wantAgent, c.AgentURL())
		assert.Equal(t, tt.wantHTTP, c.httpURL("/api/state"))
	}
}

func TestNewClient_BadURL(t *testing.T) {
	for _, base := range []string{"ftp://relay", "relay:5000", "http://", "://x"} {
		_, err := NewClient(base)
		assert.ErrorIs(t, err, ErrBadURL, base)
	}
}

func TestNewClient_GeneratesAgentID(t *testing.T) {
	a, err := NewClient("http://relay")
	require.NoError(t, err)
	b, err := NewClient("http://relay")
	require.NoError(t, err)
	assert.NotEqual(t, a.AgentURL(), b.AgentURL())
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("http://localhost:1", WithClientLogger(quiet))
	require.NoError(t, err)

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Deliver(context.Background(), emitter.Capture{}), ErrNotConnected)
	assert.ErrorIs(t, c.SendLiveFrame([]byte{1}, 1, 1), ErrNotConnected)

	// events while disconnected are dropped quietly
	c.OnEvent(pipeline.Event{Kind: pipeline.EventMotionDetected})
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	c, err := NewClient("http://localhost:1", WithClientLogger(quiet), WithReconnect(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func connectClient(t *testing.T, port int) (*Server, *Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping relay integration test in short mode")
	}

	s, _ := startServer(t, port)
	c, err := NewClient(fmt.Sprintf("http://localhost:%d", port),
		WithAgentID("cam-1"),
		WithClientLogger(quiet),
		WithReconnect(20*time.Millisecond, 100*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return c.Connected() && s.AgentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the greeting state arrives before any test callback is registered
	require.Eventually(t, func() bool {
		return c.State().Status == protocol.StatusReady
	}, 2*time.Second, 10*time.Millisecond)
	return s, c
}

func TestClient_DeliverStoresCapture(t *testing.T) {
	s, c := connectClient(t, 18094)

	err := c.Deliver(context.Background(), emitter.Capture{
		ID:          "abc",
		Seq:         3,
		ObjectID:    7,
		ImageNumber: 1,
		Format:      emitter.FormatPNG,
		Width:       640,
		Height:      480,
		Data:        []byte("still"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.LatestCapture() != nil }, 2*time.Second, 10*time.Millisecond)

	latest := s.LatestCapture()
	assert.Equal(t, "cam-1", latest.AgentID)
	assert.Equal(t, "png", latest.Format)
	assert.Equal(t, 7, latest.ObjectID)
	assert.Equal(t, 1, latest.ImageNumber)
	assert.Equal(t, uint64(3), latest.Seq)
	assert.Equal(t, []byte("still"), latest.Data)
}

func TestClient_EventsDriveRelayState(t *testing.T) {
	s, c := connectClient(t, 18095)

	c.OnEvent(pipeline.Event{Kind: pipeline.EventMotionDetected})
	require.Eventually(t, func() bool {
		return s.State().Status == protocol.StatusCapturing
	}, 2*time.Second, 10*time.Millisecond)

	c.OnEvent(pipeline.Event{
		Kind:    pipeline.EventCaptured,
		Capture: &emitter.Capture{ObjectID: 2, ImageNumber: 1},
	})
	require.Eventually(t, func() bool {
		return s.State() == protocol.StateData{ObjectID: 2, ImageNumber: 1, Status: protocol.StatusProcessing}
	}, 2*time.Second, 10*time.Millisecond)

	c.OnEvent(pipeline.Event{Kind: pipeline.EventHeld})
	require.Eventually(t, func() bool {
		return s.State() == protocol.StateData{ObjectID: 2, ImageNumber: 0, Status: protocol.StatusWaiting}
	}, 2*time.Second, 10*time.Millisecond)

	// debug lines land in the relay log
	require.Eventually(t, func() bool {
		for _, l := range s.Logs() {
			if l.Message == "Waiting for resume" && l.Type == protocol.DebugWarning {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// the client sees the relay's echo
	require.Eventually(t, func() bool {
		return c.State().Status == protocol.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_OnResume(t *testing.T) {
	s, c := connectClient(t, 18096)

	var mu sync.Mutex
	var statuses []string
	resumed := make(chan struct{}, 8)
	c.OnState(func(st protocol.StateData) {
		mu.Lock()
		statuses = append(statuses, st.Status)
		mu.Unlock()
	})
	c.OnResume(func() { resumed <- struct{}{} })

	s.UpdateState(func(st *protocol.StateData) { st.Status = protocol.StatusWaiting })
	require.Eventually(t, func() bool {
		return c.State().Status == protocol.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, s.Resume())

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnResume not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{protocol.StatusWaiting, protocol.StatusReady}, statuses)
}

func TestClient_PostState(t *testing.T) {
	s, c := connectClient(t, 18097)
	ctx := context.Background()

	got, err := c.PostState(ctx, protocol.StateData{ObjectID: 4, ImageNumber: 0, Status: protocol.StatusReady})
	require.NoError(t, err)
	assert.Equal(t, 4, got.ObjectID)
	assert.Equal(t, 4, s.State().ObjectID)

	fetched, err := c.FetchState(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.State(), fetched)

	_, err = c.PostState(ctx, protocol.StateData{Status: protocol.StatusWaiting})
	var se *httpc.StatusError
	require.True(t, errors.As(err, &se), "want *httpc.StatusError, got %v", err)
	assert.Equal(t, 400, se.StatusCode)
	assert.Contains(t, se.Body, "Invalid status")
}
