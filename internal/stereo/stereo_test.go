package stereo

import (
	"math"
	"testing"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testCamera(name string, center r3.Vector, dist BrownConrady) *Camera {
	r := LookAt(center, r3.Vector{})
	return &Camera{
		Name: name,
		Size: geometry.Size{Width: 4000, Height: 3000},
		K:    geometry.Mat3{{4000, 0, 2000}, {0, 4000, 1500}, {0, 0, 1}},
		Dist: dist,
		R:    r,
		T:    r.MulVec(center).Mul(-1),
	}
}

func testPair(t *testing.T) *Triangulator {
	t.Helper()
	dist := BrownConrady{K1: -0.08, K2: 0.02, P1: 0.001, P2: -0.0005, K3: 0.001}
	a := testCamera("cam0", r3.Vector{X: -1500, Y: -500, Z: -8000}, dist)
	b := testCamera("cam1", r3.Vector{X: 1500, Y: -500, Z: -8000}, dist)
	tri, err := NewTriangulator(a, b)
	require.NoError(t, err)
	return tri
}

func TestTriangulate_RoundTrip(t *testing.T) {
	tri := testPair(t)
	a, b := tri.Cameras()

	points := []r3.Vector{
		{},
		{X: 1000, Y: -800, Z: 500},
		{X: -1200, Y: 900, Z: -300},
		{X: 300, Y: 250, Z: 1500},
	}
	for _, p := range points {
		pa, ok := a.Project(p)
		require.True(t, ok)
		pb, ok := b.Project(p)
		require.True(t, ok)

		got, err := tri.Triangulate(pa, pb)
		require.NoError(t, err)
		assert.InDelta(t, p.X, got.X, 1e-3)
		assert.InDelta(t, p.Y, got.Y, 1e-3)
		assert.InDelta(t, p.Z, got.Z, 1e-3)

		ea, eb := tri.ReprojectionError(got, pa, pb)
		assert.Less(t, ea, 1e-6)
		assert.Less(t, eb, 1e-6)
	}
}

func TestTriangulate_ParallelRays(t *testing.T) {
	a := testCamera("cam0", r3.Vector{Z: -8000}, BrownConrady{})
	b := testCamera("cam1", r3.Vector{Z: -8000}, BrownConrady{})
	tri, err := NewTriangulator(a, b)
	require.NoError(t, err)

	px := geometry.Point2D{X: 2100, Y: 1400}
	_, err = tri.Triangulate(px, px)
	assert.ErrorIs(t, err, ErrDegenerateGeometry)
}

func TestNewTriangulator_RejectsMissingIntrinsics(t *testing.T) {
	good := testCamera("cam0", r3.Vector{Z: -8000}, BrownConrady{})
	bad := &Camera{Name: "cam1", R: geometry.Identity3()}

	_, err := NewTriangulator(good, bad)
	assert.ErrorIs(t, err, ErrInvalidCamera)

	_, err = NewTriangulator(good, nil)
	assert.ErrorIs(t, err, ErrInvalidCamera)
}

func TestDistortion_Inverse(t *testing.T) {
	d := BrownConrady{K1: -0.2, K2: 0.05, P1: 0.002, P2: -0.001, K3: 0.01}
	for _, p := range [][2]float64{{0, 0}, {0.3, -0.2}, {-0.45, 0.35}, {0.1, 0.4}} {
		xd, yd := d.Distort(p[0], p[1])
		xu, yu := d.Undistort(xd, yd)
		assert.InDelta(t, p[0], xu, 1e-9)
		assert.InDelta(t, p[1], yu, 1e-9)
	}
}

func TestNewBrownConrady(t *testing.T) {
	d, err := NewBrownConrady([]float64{0.1, 0.2, 0.3})
	require.NoError(t, err)
	assert.Equal(t, BrownConrady{K1: 0.1, K2: 0.2, P1: 0.3}, d)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0, 0}, d.Coefficients())

	_, err = NewBrownConrady(make([]float64, 6))
	assert.Error(t, err)
}

func TestCamera_UndistortMatchesPinhole(t *testing.T) {
	dist := BrownConrady{K1: -0.1, P2: 0.002}
	c := testCamera("cam0", r3.Vector{X: 200, Z: -6000}, dist)
	ideal := c.WithPose(c.R, c.T)
	ideal.Dist = BrownConrady{}

	p := r3.Vector{X: 800, Y: -600, Z: 100}
	raw, ok := c.Project(p)
	require.True(t, ok)
	want, ok := ideal.Project(p)
	require.True(t, ok)

	got := c.Undistort(raw)
	assert.InDelta(t, want.X, got.X, 1e-6)
	assert.InDelta(t, want.Y, got.Y, 1e-6)

	// P * [X 1] agrees with the pinhole projection.
	var h mat.VecDense
	h.MulVec(c.ProjectionMatrix(), mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1}))
	assert.InDelta(t, want.X, h.AtVec(0)/h.AtVec(2), 1e-6)
	assert.InDelta(t, want.Y, h.AtVec(1)/h.AtVec(2), 1e-6)
}

func TestCamera_Center(t *testing.T) {
	center := r3.Vector{X: 100, Y: -200, Z: -5000}
	c := testCamera("cam0", center, BrownConrady{})
	got := c.Center()
	assert.InDelta(t, center.X, got.X, 1e-9)
	assert.InDelta(t, center.Y, got.Y, 1e-9)
	assert.InDelta(t, center.Z, got.Z, 1e-9)
}

func TestRodrigues_RoundTrip(t *testing.T) {
	for _, v := range []r3.Vector{
		{},
		{X: 0.1, Y: -0.2, Z: 0.3},
		{Z: math.Pi / 2},
		{X: math.Pi - 1e-8},
	} {
		r := Rodrigues(v)
		assert.InDelta(t, 1, r.Det(), 1e-9)
		got := RotationVector(r)
		assert.InDelta(t, v.X, got.X, 1e-6)
		assert.InDelta(t, v.Y, got.Y, 1e-6)
		assert.InDelta(t, v.Z, got.Z, 1e-6)
	}
}
