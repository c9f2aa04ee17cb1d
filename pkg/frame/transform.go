package frame

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrInvalidRotation is returned for angles that are not a multiple of 90.
var ErrInvalidRotation = errors.New("frame: rotation must be a multiple of 90")

// Rotation is a clockwise view rotation in degrees: 0, 90, 180 or 270.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// ParseRotation normalizes deg into [0, 360).
func ParseRotation(deg int) (Rotation, error) {
	if deg%90 != 0 {
		return Rotate0, fmt.Errorf("%w: %d", ErrInvalidRotation, deg)
	}
	return Rotation(((deg % 360) + 360) % 360), nil
}

// Add returns r turned by delta degrees, wrapping modulo 360.
func (r Rotation) Add(delta int) (Rotation, error) {
	return ParseRotation(int(r) + delta)
}

// SwapsAxes reports whether the rotation exchanges width and height.
func (r Rotation) SwapsAxes() bool {
	return r == Rotate90 || r == Rotate270
}

// Apply rotates img clockwise by r. Rotate0 returns img unchanged.
func (r Rotation) Apply(img image.Image) image.Image {
	switch r {
	case Rotate90:
		// imaging rotates counter-clockwise
		return imaging.Rotate270(img)
	case Rotate180:
		return imaging.Rotate180(img)
	case Rotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func (r Rotation) String() string {
	return fmt.Sprintf("%d°", int(r))
}

// Downscale resizes img to exactly width x height.
// Images already at the target size are returned as-is.
func Downscale(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Linear)
}
