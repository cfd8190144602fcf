// Package geometry provides basic geometric types used throughout the application.
package geometry

import (
	"image"
	"math"

	"github.com/golang/geo/r3"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point2D) Scale(factor float64) Point2D {
	return Point2D{X: p.X * factor, Y: p.Y * factor}
}

// ScaleXY returns the point scaled independently per axis.
func (p Point2D) ScaleXY(sx, sy float64) Point2D {
	return Point2D{X: p.X * sx, Y: p.Y * sy}
}

// Round returns the nearest integer pixel.
func (p Point2D) Round() PointInt {
	return PointInt{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// ImagePoint converts to an image.Point for drawing and cropping.
func (p Point2D) ImagePoint() image.Point {
	r := p.Round()
	return image.Point{X: r.X, Y: r.Y}
}

// PointInt represents a 2D point with integer coordinates.
type PointInt struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ToFloat converts to Point2D.
func (p PointInt) ToFloat() Point2D {
	return Point2D{X: float64(p.X), Y: float64(p.Y)}
}

// Size represents an image size in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// MaxDim returns the larger of width and height.
func (s Size) MaxDim() int {
	if s.Width > s.Height {
		return s.Width
	}
	return s.Height
}

// ScaleTo maps a point expressed in this size to the same relative position
// in another size (e.g. detection resolution to sensor resolution).
func (s Size) ScaleTo(p Point2D, to Size) Point2D {
	if s.Width == 0 || s.Height == 0 {
		return p
	}
	return p.ScaleXY(float64(to.Width)/float64(s.Width), float64(to.Height)/float64(s.Height))
}

// Affine3D is a 4x4 homogeneous transform. The last row is always [0 0 0 1].
type Affine3D [4][4]float64

// Identity3D returns the identity transform.
func Identity3D() Affine3D {
	return Affine3D{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// NewAffine3D builds a transform from a row-major 3x3 linear block and a translation.
func NewAffine3D(linear [3][3]float64, t r3.Vector) Affine3D {
	return Affine3D{
		{linear[0][0], linear[0][1], linear[0][2], t.X},
		{linear[1][0], linear[1][1], linear[1][2], t.Y},
		{linear[2][0], linear[2][1], linear[2][2], t.Z},
		{0, 0, 0, 1},
	}
}

// Apply maps a point through the transform.
func (m Affine3D) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// Linear returns the upper-left 3x3 block.
func (m Affine3D) Linear() [3][3]float64 {
	return [3][3]float64{
		{m[0][0], m[0][1], m[0][2]},
		{m[1][0], m[1][1], m[1][2]},
		{m[2][0], m[2][1], m[2][2]},
	}
}

// Translation returns the translation column.
func (m Affine3D) Translation() r3.Vector {
	return r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
}

// Det returns the determinant of the linear block.
func (m Affine3D) Det() float64 {
	return Mat3(m.Linear()).Det()
}

// Invertible reports whether the linear block can be inverted.
func (m Affine3D) Invertible() bool {
	return math.Abs(m.Det()) > 1e-12
}

// AbsDiff returns the cell-wise absolute difference of two transforms.
func (m Affine3D) AbsDiff(other Affine3D) Affine3D {
	var d Affine3D
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d[i][j] = math.Abs(m[i][j] - other[i][j])
		}
	}
	return d
}

// WithinCells reports whether every cell of m is <= the matching cell of limit.
func (m Affine3D) WithinCells(limit Affine3D) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if m[i][j] > limit[i][j] {
				return false
			}
		}
	}
	return true
}

// Centroid3D computes the mean of a set of 3-D points.
func Centroid3D(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// RoundVector rounds each component to the nearest whole unit.
func RoundVector(v r3.Vector) r3.Vector {
	return r3.Vector{X: math.Round(v.X), Y: math.Round(v.Y), Z: math.Round(v.Z)}
}

// Mat3 is a row-major 3x3 matrix, used for rotations and intrinsics.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m * v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m * o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}
