package emitter

import (
	"errors"
	"fmt"
)

// Sentinel errors for capture failures.
var (
	// ErrNoSnapshot is returned when the source cannot provide a snapshot.
	ErrNoSnapshot = errors.New("emitter: snapshot unavailable")

	// ErrUnknownFormat is returned for unsupported encodings.
	ErrUnknownFormat = errors.New("emitter: unknown image format")

	// ErrNoSink is returned when an emitter has no sink configured.
	ErrNoSink = errors.New("emitter: no sink configured")
)

// SinkError wraps a delivery failure with the sink that produced it.
type SinkError struct {
	Sink string
	Err  error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	return fmt.Sprintf("emitter [%s]: delivery failed: %v", e.Sink, e.Err)
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error {
	return e.Err
}
