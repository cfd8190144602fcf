package stereo

import (
	"fmt"
	"math"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// parallelTolerance is the minimum sine of the angle between the two rays.
const parallelTolerance = 1e-9

// Triangulator recovers 3-D points from a calibrated camera pair.
// It holds no mutable state and is safe for concurrent use.
type Triangulator struct {
	a, b *Camera
}

// NewTriangulator creates a triangulator for two validated cameras.
func NewTriangulator(a, b *Camera) (*Triangulator, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Triangulator{a: a, b: b}, nil
}

// Cameras returns the camera pair.
func (t *Triangulator) Cameras() (*Camera, *Camera) {
	return t.a, t.b
}

// Triangulate returns the world point observed at raw pixel pa in the first
// camera and pb in the second. Pixels are undistorted before the linear
// (DLT) solve.
func (t *Triangulator) Triangulate(pa, pb geometry.Point2D) (r3.Vector, error) {
	// Step 1: reject parallel viewing rays
	ra, rb := t.a.Ray(pa), t.b.Ray(pb)
	if ra.Cross(rb).Norm()/(ra.Norm()*rb.Norm()) < parallelTolerance {
		return r3.Vector{}, fmt.Errorf("rays from %s and %s are parallel: %w", t.a.Name, t.b.Name, ErrDegenerateGeometry)
	}

	// Step 2: DLT in normalized coordinates, P = [R|T]
	xa, ya := t.a.Normalize(pa)
	xb, yb := t.b.Normalize(pb)

	a := mat.NewDense(4, 4, nil)
	setDLTRows(a, 0, t.a, xa, ya)
	setDLTRows(a, 2, t.b, xb, yb)

	// Step 3: null space from the right singular vector of the smallest value
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, fmt.Errorf("SVD failed: %w", ErrDegenerateGeometry)
	}
	var v mat.Dense
	svd.VTo(&v)

	w := v.At(3, 3)
	if math.Abs(w) < 1e-15 {
		return r3.Vector{}, fmt.Errorf("point at infinity: %w", ErrDegenerateGeometry)
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}

// setDLTRows writes x*P3 - P1 and y*P3 - P2 for camera c into rows row, row+1.
func setDLTRows(a *mat.Dense, row int, c *Camera, x, y float64) {
	p := [3][4]float64{
		{c.R[0][0], c.R[0][1], c.R[0][2], c.T.X},
		{c.R[1][0], c.R[1][1], c.R[1][2], c.T.Y},
		{c.R[2][0], c.R[2][1], c.R[2][2], c.T.Z},
	}
	for j := 0; j < 4; j++ {
		a.Set(row, j, x*p[2][j]-p[0][j])
		a.Set(row+1, j, y*p[2][j]-p[1][j])
	}
}

// ReprojectionError returns the pixel distance between the observed pixels
// and the reprojection of p into each camera.
func (t *Triangulator) ReprojectionError(p r3.Vector, pa, pb geometry.Point2D) (float64, float64) {
	ea, eb := math.Inf(1), math.Inf(1)
	if q, ok := t.a.Project(p); ok {
		ea = q.Distance(pa)
	}
	if q, ok := t.b.Project(p); ok {
		eb = q.Distance(pb)
	}
	return ea, eb
}
