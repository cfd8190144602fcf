package detect

import (
	"image"
	"math"
	"testing"

	"probe-calib/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstDetect_TipAwayFromBorder(t *testing.T) {
	l := NewLocator(DefaultParams())

	diff := solid(t, 1000, 750, 0)
	bar(&diff, image.Pt(10, 740), image.Pt(500, 300), 255, 3)

	p, err := l.FirstDetect(diff)
	require.NoError(t, err)

	assert.InDelta(t, 500, p.Tip.X, 5)
	assert.InDelta(t, 300, p.Tip.Y, 5)
	assert.InDelta(t, 10, p.Base.X, 5)
	assert.InDelta(t, 740, p.Base.Y, 5)
	assert.Equal(t, DirNE, p.Direction)
}

func TestFirstDetect_EmptyDiff(t *testing.T) {
	l := NewLocator(DefaultParams())
	_, err := l.FirstDetect(solid(t, 1000, 750, 0))
	assert.ErrorIs(t, err, ErrDetectionMiss)
}

func TestTrack_CropGrowthTerminates(t *testing.T) {
	params := DefaultParams()
	l := NewLocator(params)

	prev := newProbe(geometry.Point2D{X: 500, Y: 300}, geometry.Point2D{X: 10, Y: 740})
	_, err := l.Track(solid(t, 1000, 750, 0), prev)
	assert.ErrorIs(t, err, ErrDetectionMiss)

	attempts := l.Attempts()
	bound := int(math.Ceil(float64(1000-params.CropInit)/float64(params.CropStep))) + 1
	require.NotEmpty(t, attempts)
	assert.LessOrEqual(t, len(attempts), bound)
	assert.Equal(t, params.maxAttempts(1000), len(attempts))
	for i := 1; i < len(attempts); i++ {
		assert.Greater(t, attempts[i], attempts[i-1], "crop sizes must strictly increase")
	}
	assert.LessOrEqual(t, attempts[len(attempts)-1], 1000)
}

func TestTrack_PortraitFrameBoundByHeight(t *testing.T) {
	params := DefaultParams()
	l := NewLocator(params)

	prev := newProbe(geometry.Point2D{X: 300, Y: 500}, geometry.Point2D{X: 10, Y: 990})
	_, err := l.Track(solid(t, 600, 1000, 0), prev)
	assert.ErrorIs(t, err, ErrDetectionMiss)

	attempts := l.Attempts()
	assert.Equal(t, params.maxAttempts(1000), len(attempts))
	assert.Greater(t, attempts[len(attempts)-1], 600)
	assert.LessOrEqual(t, attempts[len(attempts)-1], 1000)
}

func TestTrack_FindsTipInFirstCrop(t *testing.T) {
	l := NewLocator(DefaultParams())

	diff := solid(t, 1000, 750, 0)
	bar(&diff, image.Pt(10, 740), image.Pt(520, 280), 255, 3)

	prev := newProbe(geometry.Point2D{X: 500, Y: 300}, geometry.Point2D{X: 10, Y: 740})
	p, err := l.Track(diff, prev)
	require.NoError(t, err)

	assert.Equal(t, []int{50}, l.Attempts())
	assert.InDelta(t, 520, p.Tip.X, 5)
	assert.InDelta(t, 280, p.Tip.Y, 5)
}

func TestTrack_GrowsWhenTipTruncated(t *testing.T) {
	l := NewLocator(DefaultParams())

	// The tip moved above the first crop's top edge (y=250).
	diff := solid(t, 1000, 750, 0)
	bar(&diff, image.Pt(10, 740), image.Pt(600, 200), 255, 3)

	prev := newProbe(geometry.Point2D{X: 500, Y: 300}, geometry.Point2D{X: 10, Y: 740})
	p, err := l.Track(diff, prev)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 150}, l.Attempts())
	assert.InDelta(t, 600, p.Tip.X, 5)
	assert.InDelta(t, 200, p.Tip.Y, 5)
	assert.Equal(t, DirNE, p.Direction)
}

func TestCropAround_ClampsToImage(t *testing.T) {
	r := cropAround(geometry.Point2D{X: 20, Y: 30}, geometry.Point2D{X: 900, Y: 700}, 50, 1000, 750)
	assert.Equal(t, image.Rect(0, 0, 951, 750), r)

	assert.True(t, onCropBoundary(geometry.Point2D{X: 500, Y: 1}, image.Rect(0, 0, 100, 100), 2))
	assert.True(t, onCropBoundary(geometry.Point2D{X: 98, Y: 50}, image.Rect(0, 0, 100, 100), 2))
	assert.False(t, onCropBoundary(geometry.Point2D{X: 50, Y: 50}, image.Rect(0, 0, 100, 100), 2))
}

func TestMergeSegments_IgnoresOffAxisSegments(t *testing.T) {
	segs := []segment{
		{A: geometry.Point2D{X: 0, Y: 0}, B: geometry.Point2D{X: 100, Y: 0}},
		{A: geometry.Point2D{X: 90, Y: 1}, B: geometry.Point2D{X: 150, Y: 1}},
		{A: geometry.Point2D{X: 50, Y: 50}, B: geometry.Point2D{X: 50, Y: 90}}, // perpendicular
		{A: geometry.Point2D{X: 0, Y: 60}, B: geometry.Point2D{X: 80, Y: 60}},  // parallel, offset
	}
	e1, e2, ok := mergeSegments(segs, DefaultParams())
	require.True(t, ok)

	lo, hi := e1, e2
	if lo.X > hi.X {
		lo, hi = hi, lo
	}
	assert.InDelta(t, 0, lo.X, 1)
	assert.InDelta(t, 150, hi.X, 1)
	assert.InDelta(t, 0.5, hi.Y, 1)
}
