// Package detect finds a moving probe tip in camera frames: frame
// differencing, line-based coarse localization with crop growth, and
// corner-based sub-pixel refinement on the full-resolution image.
package detect

import (
	"math"
	"time"

	"probe-calib/pkg/geometry"
)

// Direction is the compass octant the probe tip points to, in image space
// with north toward row 0.
type Direction int

const (
	DirE Direction = iota
	DirNE
	DirN
	DirNW
	DirW
	DirSW
	DirS
	DirSE
)

var directionNames = [...]string{"E", "NE", "N", "NW", "W", "SW", "S", "SE"}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return "?"
	}
	return directionNames[d]
}

// DirectionFromAngle maps an angle in degrees (counter-clockwise from east,
// y up) to its octant.
func DirectionFromAngle(deg float64) Direction {
	a := math.Mod(deg, 360)
	if a < 0 {
		a += 360
	}
	return Direction(int(math.Floor((a+22.5)/45)) % 8)
}

// extremalScore returns a value that is largest for the point furthest along d.
func (d Direction) extremalScore(x, y float64) float64 {
	switch d {
	case DirS:
		return y
	case DirN:
		return -y
	case DirE:
		return x
	case DirW:
		return -x
	case DirNE:
		return x - y
	case DirNW:
		return -(x + y)
	case DirSE:
		return x + y
	case DirSW:
		return y - x
	}
	return y
}

// Probe is a single coarse detection result.
type Probe struct {
	Tip       geometry.Point2D
	Base      geometry.Point2D
	Angle     float64 // Degrees, base to tip, counter-clockwise from east
	Direction Direction
}

// newProbe derives angle and direction from the tip/base pair.
func newProbe(tip, base geometry.Point2D) Probe {
	angle := math.Atan2(-(tip.Y - base.Y), tip.X-base.X) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}
	return Probe{Tip: tip, Base: base, Angle: angle, Direction: DirectionFromAngle(angle)}
}

// ProbeState is the tracked probe for one stage in one camera.
type ProbeState struct {
	Serial      string
	Found       bool
	Probe                        // Detection-resolution coordinates
	TipOriginal geometry.Point2D // Refined tip at sensor resolution
}

// Reset clears the tracked probe but keeps the owning serial.
func (s *ProbeState) Reset() {
	*s = ProbeState{Serial: s.Serial}
}

// Detection is a tracked tip location emitted by a camera pipeline.
type Detection struct {
	Camera    string
	Serial    string
	Timestamp time.Time
	Tip       geometry.Point2D // Sensor-resolution pixel
	Coarse    Probe            // Detection-resolution estimate
	Initial   bool             // First acquisition; not yet a tracked sample
}
