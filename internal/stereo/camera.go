// Package stereo models calibrated pinhole cameras with lens distortion and
// triangulates 3-D points from two views.
package stereo

import (
	"fmt"
	"math"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Camera is a calibrated camera. R and T map world points into the camera
// frame: Xc = R*Xw + T.
type Camera struct {
	Name string
	Size geometry.Size
	K    geometry.Mat3
	Dist BrownConrady
	R    geometry.Mat3
	T    r3.Vector
}

// Validate checks that the intrinsics are usable.
func (c *Camera) Validate() error {
	if c == nil {
		return fmt.Errorf("nil camera: %w", ErrInvalidCamera)
	}
	if c.K[0][0] <= 0 || c.K[1][1] <= 0 {
		return fmt.Errorf("camera %q: focal lengths must be positive (fx=%g fy=%g): %w",
			c.Name, c.K[0][0], c.K[1][1], ErrInvalidCamera)
	}
	if c.K[2] != [3]float64{0, 0, 1} {
		return fmt.Errorf("camera %q: intrinsic last row must be [0 0 1]: %w", c.Name, ErrInvalidCamera)
	}
	if math.Abs(c.R.Det()-1) > 1e-6 {
		return fmt.Errorf("camera %q: rotation is not proper (det=%g): %w", c.Name, c.R.Det(), ErrInvalidCamera)
	}
	return nil
}

// WithPose returns a copy of the camera with a different extrinsic pose.
func (c Camera) WithPose(r geometry.Mat3, t r3.Vector) Camera {
	c.R = r
	c.T = t
	return c
}

// Normalize returns the undistorted normalized image coordinates of a pixel.
func (c *Camera) Normalize(px geometry.Point2D) (float64, float64) {
	fx, fy := c.K[0][0], c.K[1][1]
	skew, cx, cy := c.K[0][1], c.K[0][2], c.K[1][2]

	yd := (px.Y - cy) / fy
	xd := (px.X - cx - skew*yd) / fx
	return c.Dist.Undistort(xd, yd)
}

// Undistort returns the pixel an ideal pinhole camera with the same
// intrinsics would have observed.
func (c *Camera) Undistort(px geometry.Point2D) geometry.Point2D {
	x, y := c.Normalize(px)
	return c.toPixel(x, y)
}

// Project maps a world point to a (distorted) pixel. ok is false when the
// point is behind the camera.
func (c *Camera) Project(p r3.Vector) (px geometry.Point2D, ok bool) {
	pc := c.R.MulVec(p).Add(c.T)
	if pc.Z <= 0 {
		return geometry.Point2D{}, false
	}
	xd, yd := c.Dist.Distort(pc.X/pc.Z, pc.Y/pc.Z)
	return c.toPixel(xd, yd), true
}

func (c *Camera) toPixel(x, y float64) geometry.Point2D {
	return geometry.Point2D{
		X: c.K[0][0]*x + c.K[0][1]*y + c.K[0][2],
		Y: c.K[1][1]*y + c.K[1][2],
	}
}

// ProjectionMatrix returns the 3x4 matrix K[R|T].
func (c *Camera) ProjectionMatrix() *mat.Dense {
	rt := mat.NewDense(3, 4, []float64{
		c.R[0][0], c.R[0][1], c.R[0][2], c.T.X,
		c.R[1][0], c.R[1][1], c.R[1][2], c.T.Y,
		c.R[2][0], c.R[2][1], c.R[2][2], c.T.Z,
	})
	k := mat.NewDense(3, 3, []float64{
		c.K[0][0], c.K[0][1], c.K[0][2],
		c.K[1][0], c.K[1][1], c.K[1][2],
		c.K[2][0], c.K[2][1], c.K[2][2],
	})
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

// Center returns the camera center in world coordinates.
func (c *Camera) Center() r3.Vector {
	return c.R.T().MulVec(c.T).Mul(-1)
}

// Ray returns the world-space viewing direction through a pixel.
func (c *Camera) Ray(px geometry.Point2D) r3.Vector {
	x, y := c.Normalize(px)
	return c.R.T().MulVec(r3.Vector{X: x, Y: y, Z: 1})
}
