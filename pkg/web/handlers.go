package web

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
)

// errorStatus maps control errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, frame.ErrInvalidRotation),
		errors.Is(err, camera.ErrInvalidConfig),
		errors.Is(err, camera.ErrUnknownPreset):
		return fiber.StatusBadRequest
	case errors.Is(err, pipeline.ErrBusy):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(errorStatus(err)).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

// handleStatus returns the pipeline status snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctl.Status())
}

// command wraps a parameterless control call. The command is queued, so
// the returned status may not reflect it yet.
func (s *Server) command(fn func() error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := fn(); err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
	}
}

// RotateRequest is the request body for POST /api/rotate
type RotateRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) handleRotate(c *fiber.Ctx) error {
	var req RotateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid JSON",
		})
	}
	if err := s.ctl.Rotate(req.Delta); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

func (s *Server) handleLatestCapture(c *fiber.Ctx) error {
	latest := s.Latest()
	if latest == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no capture yet"})
	}

	c.Set(fiber.HeaderContentType, latest.Format.ContentType())
	c.Set("X-Object-Id", fmt.Sprint(latest.ObjectID))
	c.Set("X-Image-Number", fmt.Sprint(latest.ImageNumber))
	c.Set("X-Capture-Seq", fmt.Sprint(latest.Seq))
	return c.Send(latest.Data)
}

// handleGetLogs returns recent log entries
func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	return c.JSON(s.Logs())
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no camera controls"})
	}
	return c.JSON(s.camera.GetConfigJSON())
}

// handleSetCamera applies a partial camera update, optionally starting
// from a named preset.
func (s *Server) handleSetCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no camera controls"})
	}

	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid JSON",
		})
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return fail(c, err)
	}

	s.AddLog("info", "Camera settings updated")
	return c.JSON(fiber.Map{
		"success": true,
		"camera":  s.camera.GetConfigJSON(),
	})
}

func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"presets": camera.PresetNames(),
		"configs": camera.Presets(),
	})
}

func (s *Server) handleCameraStats(c *fiber.Ctx) error {
	if s.device == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no capture device"})
	}
	frames, drops, fails := s.device.Stats()
	return c.JSON(fiber.Map{
		"frames": frames,
		"drops":  drops,
		"fails":  fails,
	})
}
