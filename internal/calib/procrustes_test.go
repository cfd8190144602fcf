package calib

import (
	"math/rand"
	"testing"

	"probe-calib/internal/stereo"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitSimilarity_RecoversKnownTransform(t *testing.T) {
	want := Similarity{
		R: stereo.Rodrigues(r3.Vector{X: 0.3, Y: -0.5, Z: 1.1}),
		T: r3.Vector{X: 1200, Y: -3400, Z: 560},
		S: 1.07,
	}

	rng := rand.New(rand.NewSource(7))
	var local, global []r3.Vector
	for i := 0; i < 25; i++ {
		p := r3.Vector{X: rng.Float64() * 5000, Y: rng.Float64() * 5000, Z: rng.Float64() * 3000}
		local = append(local, p)
		global = append(global, want.Apply(p))
	}

	got, err := FitSimilarity(local, global)
	require.NoError(t, err)

	assert.InDelta(t, want.S, got.S, 1e-9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, want.R[i][j], got.R[i][j], 1e-9)
		}
	}
	assert.InDelta(t, want.T.X, got.T.X, 1e-6)
	assert.InDelta(t, want.T.Y, got.T.Y, 1e-6)
	assert.InDelta(t, want.T.Z, got.T.Z, 1e-6)
	assert.InDelta(t, 1, got.R.Det(), 1e-9)

	for _, r := range got.Residuals(local, global) {
		assert.Less(t, r, 1e-6)
	}
}

func TestFitSimilarity_PlanarPointsStayProper(t *testing.T) {
	rot := stereo.Rodrigues(r3.Vector{Z: 0.4})
	want := Similarity{R: rot, T: r3.Vector{X: 10, Y: 20, Z: 30}, S: 1}

	local := []r3.Vector{{X: 0, Y: 0, Z: 100}, {X: 100, Y: 0, Z: 100}, {X: 0, Y: 100, Z: 100}, {X: 70, Y: 40, Z: 100}}
	var global []r3.Vector
	for _, p := range local {
		global = append(global, want.Apply(p))
	}

	got, err := FitSimilarity(local, global)
	require.NoError(t, err)
	assert.InDelta(t, 1, got.R.Det(), 1e-9)
	for _, r := range got.Residuals(local, global) {
		assert.Less(t, r, 1e-6)
	}
}

func TestFitSimilarity_InsufficientData(t *testing.T) {
	_, err := FitSimilarity([]r3.Vector{{}, {X: 1}}, []r3.Vector{{}, {X: 1}})
	assert.ErrorIs(t, err, ErrInsufficientData)

	same := []r3.Vector{{X: 5}, {X: 5}, {X: 5}}
	_, err = FitSimilarity(same, same)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
