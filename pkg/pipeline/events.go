package pipeline

import (
	"time"

	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/gate"
)

// EventKind identifies a pipeline event.
type EventKind string

const (
	EventMotionDetected EventKind = "motion_detected"
	EventMotionStopped  EventKind = "motion_stopped"
	EventCaptured       EventKind = "captured"
	EventReadyForNext   EventKind = "ready_for_next"
	EventStarted        EventKind = "started"
	EventStopped        EventKind = "stopped"
	EventHeld           EventKind = "held"
	EventResumed        EventKind = "resumed"
	EventRotated        EventKind = "rotated"
	EventRetake         EventKind = "retake"
	EventSampleFailed   EventKind = "sample_failed"
	EventEmitFailed     EventKind = "emit_failed"
	EventDeliveryFailed EventKind = "delivery_failed"
)

// Severity levels used for debug messages.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is emitted by the pipeline loop.
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    gate.State
	Metric   int
	Rotation frame.Rotation
	Capture  *emitter.Capture // set for EventCaptured and EventDeliveryFailed
	Err      error
}

// Severity maps the event to a debug message severity.
func (e Event) Severity() string {
	switch e.Kind {
	case EventCaptured:
		return SeveritySuccess
	case EventHeld:
		return SeverityWarning
	case EventSampleFailed, EventEmitFailed, EventDeliveryFailed:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Message returns a human readable description.
func (e Event) Message() string {
	switch e.Kind {
	case EventMotionDetected:
		return "Motion detected"
	case EventMotionStopped:
		return "Motion stopped"
	case EventCaptured:
		return "Image captured"
	case EventReadyForNext:
		return "Ready for next item"
	case EventStarted:
		return "Capture started"
	case EventStopped:
		return "Capture stopped"
	case EventHeld:
		return "Waiting for resume"
	case EventResumed:
		return "Capture resumed"
	case EventRotated:
		return "Rotated to " + e.Rotation.String()
	case EventRetake:
		return "Retaking last image"
	case EventSampleFailed:
		return "Frame read failed: " + errString(e.Err)
	case EventEmitFailed:
		return "Capture failed: " + errString(e.Err)
	case EventDeliveryFailed:
		return "Capture delivery failed: " + errString(e.Err)
	}
	return string(e.Kind)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Observer receives pipeline events. OnEvent is called from the pipeline
// goroutine and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LiveSink receives downscaled JPEG preview frames.
type LiveSink interface {
	SendLiveFrame(jpeg []byte, width, height int) error
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	Running       bool      `json:"running"`
	Held          bool      `json:"held"`
	State         string    `json:"state"`
	Rotation      int       `json:"rotation"`
	LastMetric    int       `json:"last_metric"`
	Cycles        uint64    `json:"cycles"`
	Skipped       uint64    `json:"skipped"`
	Captures      uint64    `json:"captures"`
	ObjectID      int       `json:"object_id"`
	ImageNumber   int       `json:"image_number"`
	LastCaptureAt time.Time `json:"last_capture_at,omitempty"`
}
