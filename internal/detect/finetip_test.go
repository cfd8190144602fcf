package detect

import (
	"image"
	"testing"

	"probe-calib/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefine_SnapsToTipCorner(t *testing.T) {
	r := NewFineTipRefiner(DefaultParams())

	gray := solid(t, 200, 200, 230)
	bar(&gray, image.Pt(100, 199), image.Pt(100, 100), 20, 5)

	tip, err := r.Refine(gray, geometry.Point2D{X: 102, Y: 104}, DirN)
	require.NoError(t, err)

	assert.InDelta(t, 100, tip.X, 3)
	assert.InDelta(t, 100, tip.Y, 10)
}

func TestRefine_RejectsSilhouetteCrossingWindow(t *testing.T) {
	r := NewFineTipRefiner(DefaultParams())

	gray := solid(t, 200, 200, 230)
	bar(&gray, image.Pt(100, 0), image.Pt(100, 199), 20, 5)

	coarse := geometry.Point2D{X: 100, Y: 100}
	tip, err := r.Refine(gray, coarse, DirN)
	assert.ErrorIs(t, err, ErrAmbiguousTip)
	assert.Equal(t, coarse, tip)
}

func TestRefine_WindowOutsideImage(t *testing.T) {
	r := NewFineTipRefiner(DefaultParams())
	_, err := r.Refine(solid(t, 50, 50, 0), geometry.Point2D{X: 500, Y: 500}, DirS)
	assert.ErrorIs(t, err, ErrDetectionMiss)
}

func TestExtremalPoint(t *testing.T) {
	pts := []image.Point{{5, 5}, {0, 10}, {10, 0}, {10, 10}, {0, 0}}

	tests := []struct {
		dir  Direction
		want geometry.Point2D
	}{
		{DirS, geometry.Point2D{X: 0, Y: 10}},
		{DirN, geometry.Point2D{X: 10, Y: 0}},
		{DirE, geometry.Point2D{X: 10, Y: 0}},
		{DirW, geometry.Point2D{X: 0, Y: 10}},
		{DirNE, geometry.Point2D{X: 10, Y: 0}},
		{DirNW, geometry.Point2D{X: 0, Y: 0}},
		{DirSE, geometry.Point2D{X: 10, Y: 10}},
		{DirSW, geometry.Point2D{X: 0, Y: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, extremalPoint(pts, tt.dir))
		})
	}
}

func TestDirectionFromAngle(t *testing.T) {
	assert.Equal(t, DirE, DirectionFromAngle(0))
	assert.Equal(t, DirE, DirectionFromAngle(359))
	assert.Equal(t, DirNE, DirectionFromAngle(45))
	assert.Equal(t, DirN, DirectionFromAngle(90))
	assert.Equal(t, DirW, DirectionFromAngle(180))
	assert.Equal(t, DirS, DirectionFromAngle(-90))
	assert.Equal(t, DirSE, DirectionFromAngle(315))
	assert.Equal(t, "NW", DirectionFromAngle(135).String())
}
