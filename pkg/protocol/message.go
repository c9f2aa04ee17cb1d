// Package protocol defines the WebSocket message types exchanged between
// capture agents, the relay server and viewers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Server → viewers and agents
	TypeUpdateState MessageType = "update_state" // Current capture state

	// Agent → server
	TypeSetState     MessageType = "set_state"     // Agent-reported state
	TypeLiveFrame    MessageType = "live_frame"    // Downscaled preview
	TypeCaptureFrame MessageType = "capture_frame" // Full-resolution still

	// Viewer → server
	TypeResumeCapture MessageType = "resume_capture" // Leave the waiting state

	// Any → viewers
	TypeDebugMessage MessageType = "debug_message" // Human readable log line
)

// Status values carried in StateData.
const (
	StatusReady      = "ready"
	StatusCapturing  = "capturing"
	StatusProcessing = "processing"
	StatusError      = "error"
	StatusWaiting    = "waiting" // set by agents only
)

// Severity values carried in DebugData.Type.
const (
	DebugInfo    = "info"
	DebugSuccess = "success"
	DebugWarning = "warning"
	DebugError   = "error"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// StateData is the shared capture state shown to viewers.
type StateData struct {
	ObjectID    int    `json:"object_id"`
	ImageNumber int    `json:"image_number"`
	Status      string `json:"status"`
}

// FrameData contains a live preview frame
type FrameData struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"` // "jpeg"
	Data   string `json:"data"`   // base64 encoded
}

// CaptureFrameData contains a captured still and its identifiers
type CaptureFrameData struct {
	FrameData
	ObjectID    int    `json:"object_id"`
	ImageNumber int    `json:"image_number"`
	Seq         uint64 `json:"seq"`
	ID          string `json:"id,omitempty"`
}

// DebugData is a log line for the viewer console
type DebugData struct {
	Message string `json:"message"`
	Type    string `json:"type"` // info, success, warning, error
}
