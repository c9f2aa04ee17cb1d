package protocol

import (
	"encoding/base64"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStateMessage creates an update_state message
func NewStateMessage(state StateData) (*Message, error) {
	return NewMessage(TypeUpdateState, state)
}

// NewSetStateMessage creates a set_state message
func NewSetStateMessage(objectID, imageNumber int, status string) (*Message, error) {
	return NewMessage(TypeSetState, StateData{
		ObjectID:    objectID,
		ImageNumber: imageNumber,
		Status:      status,
	})
}

// NewLiveFrameMessage creates a live_frame message from raw JPEG data
func NewLiveFrameMessage(width, height int, jpegData []byte) (*Message, error) {
	return NewMessage(TypeLiveFrame, FrameData{
		Width:  width,
		Height: height,
		Format: "jpeg",
		Data:   base64.StdEncoding.EncodeToString(jpegData),
	})
}

// NewCaptureFrameMessage creates a capture_frame message
func NewCaptureFrameMessage(c CaptureFrameData, image []byte) (*Message, error) {
	c.Data = base64.StdEncoding.EncodeToString(image)
	return NewMessage(TypeCaptureFrame, c)
}

// NewDebugMessage creates a debug_message
func NewDebugMessage(message, severity string) (*Message, error) {
	return NewMessage(TypeDebugMessage, DebugData{
		Message: message,
		Type:    severity,
	})
}

// NewResumeMessage creates a resume_capture message
func NewResumeMessage() (*Message, error) {
	return NewMessage(TypeResumeCapture, nil)
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// ValidStatus reports whether status may be set through the HTTP API.
// StatusWaiting is reserved for agents.
func ValidStatus(status string) bool {
	switch status {
	case StatusReady, StatusCapturing, StatusProcessing, StatusError:
		return true
	}
	return false
}

// GetStateData extracts state data from a message
func (m *Message) GetStateData() (*StateData, error) {
	var data StateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetCaptureFrameData extracts capture frame data from a message
func (m *Message) GetCaptureFrameData() (*CaptureFrameData, error) {
	var data CaptureFrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetDebugData extracts debug data from a message
func (m *Message) GetDebugData() (*DebugData, error) {
	var data DebugData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFrameData decodes the base64 image data
func (f *FrameData) DecodeFrameData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}
