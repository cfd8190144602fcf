package stereo

import "fmt"

// BrownConrady holds radial (K1, K2, K3) and tangential (P1, P2) lens
// distortion coefficients.
type BrownConrady struct {
	K1, K2, P1, P2, K3 float64
}

// NewBrownConrady builds a distortion model from coefficients in the usual
// calibration order [k1 k2 p1 p2 k3]. Missing trailing values are zero.
func NewBrownConrady(coeffs []float64) (BrownConrady, error) {
	if len(coeffs) > 5 {
		return BrownConrady{}, fmt.Errorf("expected at most 5 distortion coefficients, got %d", len(coeffs))
	}
	var c [5]float64
	copy(c[:], coeffs)
	return BrownConrady{K1: c[0], K2: c[1], P1: c[2], P2: c[3], K3: c[4]}, nil
}

// Coefficients returns [k1 k2 p1 p2 k3].
func (d BrownConrady) Coefficients() []float64 {
	return []float64{d.K1, d.K2, d.P1, d.P2, d.K3}
}

// IsZero reports whether the model is the identity.
func (d BrownConrady) IsZero() bool {
	return d == BrownConrady{}
}

// Distort maps undistorted normalized coordinates to distorted ones.
func (d BrownConrady) Distort(xu, yu float64) (float64, float64) {
	r2 := xu*xu + yu*yu
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
	xd := xu*radial + 2*d.P1*xu*yu + d.P2*(r2+2*xu*xu)
	yd := yu*radial + d.P1*(r2+2*yu*yu) + 2*d.P2*xu*yu
	return xd, yd
}

// Undistort inverts Distort with Newton-Raphson iterations, starting from the
// distorted point.
func (d BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if d.IsZero() {
		return xd, yd
	}

	const (
		maxIterations = 20
		tolerance     = 1e-12
	)

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		radial := 1 + d.K1*r2 + d.K2*r4 + d.K3*r4*r2

		ex := xu*radial + 2*d.P1*xu*yu + d.P2*(r2+2*xu*xu) - xd
		ey := yu*radial + d.P1*(r2+2*yu*yu) + 2*d.P2*xu*yu - yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		// Jacobian of the forward model
		dRadial := d.K1 + 2*d.K2*r2 + 3*d.K3*r4
		dRdx := 2 * xu * dRadial
		dRdy := 2 * yu * dRadial

		j11 := radial + xu*dRdx + 2*d.P1*yu + 6*d.P2*xu
		j12 := xu*dRdy + 2*d.P1*xu + 2*d.P2*yu
		j21 := yu*dRdx + 2*d.P1*xu + 2*d.P2*yu
		j22 := radial + yu*dRdy + 6*d.P1*yu + 2*d.P2*xu

		det := j11*j22 - j12*j21
		if det == 0 {
			break
		}
		xu -= (j22*ex - j12*ey) / det
		yu -= (-j21*ex + j11*ey) / det
	}
	return xu, yu
}
