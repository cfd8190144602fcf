package stereo

import (
	"math"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
)

// Rodrigues converts a rotation vector (axis * angle, radians) to a rotation matrix.
func Rodrigues(v r3.Vector) geometry.Mat3 {
	theta := v.Norm()
	if theta < 1e-12 {
		return geometry.Identity3()
	}
	k := v.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	return geometry.Mat3{
		{c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s},
		{k.Y*k.X*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s},
		{k.Z*k.X*t - k.Y*s, k.Z*k.Y*t + k.X*s, c + k.Z*k.Z*t},
	}
}

// RotationVector converts a rotation matrix to its axis-angle vector.
func RotationVector(m geometry.Mat3) r3.Vector {
	cosTheta := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	if theta < 1e-12 {
		return r3.Vector{}
	}

	if math.Pi-theta > 1e-6 {
		axis := r3.Vector{
			X: m[2][1] - m[1][2],
			Y: m[0][2] - m[2][0],
			Z: m[1][0] - m[0][1],
		}.Mul(1 / (2 * math.Sin(theta)))
		return axis.Mul(theta)
	}

	// Near pi: axis from the dominant column of (R + I) / 2.
	b := [3][3]float64{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			b[i][j] = m[i][j] / 2
		}
		b[i][i] += 0.5
	}
	col := 0
	for i := 1; i < 3; i++ {
		if b[i][i] > b[col][col] {
			col = i
		}
	}
	axis := r3.Vector{X: b[0][col], Y: b[1][col], Z: b[2][col]}.Normalize()
	return axis.Mul(theta)
}

// LookAt returns the world-to-camera rotation for a camera at center looking
// at target, with image x to the right and y down.
func LookAt(center, target r3.Vector) geometry.Mat3 {
	z := target.Sub(center).Normalize()
	hint := r3.Vector{Y: 1}
	if math.Abs(z.Dot(hint)) > 0.999 {
		hint = r3.Vector{X: 1}
	}
	x := hint.Cross(z).Normalize()
	y := z.Cross(x)
	return geometry.Mat3{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}
}
