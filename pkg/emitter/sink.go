package emitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sink receives encoded captures. Deliver may be called from any goroutine.
type Sink interface {
	Deliver(ctx context.Context, c Capture) error
	Name() string
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, c Capture) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, c Capture) error {
	return f(ctx, c)
}

// Name returns "func".
func (f SinkFunc) Name() string { return "func" }

// FileSink writes each capture to a directory as
// captured-image-<unix-ms>.<ext>.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed. When clear is set any existing
// contents are removed first.
func NewFileSink(dir string, clear bool) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	if clear {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear output dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Path returns the file path used for c.
func (s *FileSink) Path(c Capture) string {
	return filepath.Join(s.dir, fmt.Sprintf("captured-image-%d%s", c.TakenAt.UnixMilli(), c.Format.Ext()))
}

// Deliver writes the capture to disk.
func (s *FileSink) Deliver(ctx context.Context, c Capture) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(c)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, c.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Name returns "file".
func (s *FileSink) Name() string { return "file" }
