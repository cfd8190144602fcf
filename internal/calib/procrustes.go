package calib

import (
	"fmt"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Similarity is a rotation, uniform scale and translation:
// global = S * R * local + T.
type Similarity struct {
	R geometry.Mat3
	T r3.Vector
	S float64
}

// Apply maps a local point to global coordinates.
func (s Similarity) Apply(local r3.Vector) r3.Vector {
	return s.R.MulVec(local.Mul(s.S)).Add(s.T)
}

// Matrix returns [R|T] as a homogeneous transform. Scale is kept separate.
func (s Similarity) Matrix() geometry.Affine3D {
	return geometry.NewAffine3D(s.R, s.T)
}

// Scale returns the scale as a per-axis vector.
func (s Similarity) Scale() r3.Vector {
	return r3.Vector{X: s.S, Y: s.S, Z: s.S}
}

// Residuals returns |Apply(local[i]) - global[i]| for every pair.
func (s Similarity) Residuals(local, global []r3.Vector) []float64 {
	out := make([]float64, len(local))
	for i := range local {
		out[i] = s.Apply(local[i]).Sub(global[i]).Norm()
	}
	return out
}

// FitSimilarity solves the orthogonal Procrustes problem with uniform scale
// (Umeyama): minimise sum |s*R*local_i + t - global_i|^2 over proper
// rotations R, s > 0 and t.
func FitSimilarity(local, global []r3.Vector) (Similarity, error) {
	if len(local) != len(global) {
		return Similarity{}, fmt.Errorf("mismatched point sets (%d local, %d global)", len(local), len(global))
	}
	n := len(local)
	if n < 3 {
		return Similarity{}, fmt.Errorf("%d points: %w", n, ErrInsufficientData)
	}

	// Step 1: centre both sets
	muX := geometry.Centroid3D(local)
	muY := geometry.Centroid3D(global)

	// Step 2: cross-covariance and local variance
	cov := mat.NewDense(3, 3, nil)
	varX := 0.0
	for i := 0; i < n; i++ {
		x := local[i].Sub(muX)
		y := global[i].Sub(muY)
		xs := [3]float64{x.X, x.Y, x.Z}
		ys := [3]float64{y.X, y.Y, y.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+ys[r]*xs[c])
			}
		}
		varX += x.Norm2()
	}
	cov.Scale(1/float64(n), cov)
	varX /= float64(n)
	if varX < 1e-12 {
		return Similarity{}, fmt.Errorf("local points are coincident: %w", ErrInsufficientData)
	}

	// Step 3: SVD, with a sign flip if the best orthogonal map is a reflection
	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return Similarity{}, fmt.Errorf("SVD of covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := svd.Values(nil)

	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, sign})

	var ud, rot mat.Dense
	ud.Mul(&u, diag)
	rot.Mul(&ud, v.T())

	var r geometry.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = rot.At(i, j)
		}
	}

	// Step 4: scale and translation
	s := (d[0] + d[1] + sign*d[2]) / varX
	if s <= 0 {
		return Similarity{}, fmt.Errorf("non-positive scale %g: %w", s, ErrInsufficientData)
	}
	t := muY.Sub(r.MulVec(muX).Mul(s))

	return Similarity{R: r, T: t, S: s}, nil
}
