package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestDifference_BelowNoiseFloor(t *testing.T) {
	d := NewDifferencer(DefaultParams())

	prev := solid(t, 200, 150, 100)
	curr := solid(t, 200, 150, 100)
	curr.SetUCharAt(50, 50, 90) // 10 below prev, under the floor of 20

	out, err := d.Difference(curr, prev, gocv.NewMat())
	defer out.Close()
	assert.ErrorIs(t, err, ErrDetectionMiss)
	assert.True(t, out.Empty())

	// Inputs are untouched.
	assert.Equal(t, uint8(100), prev.GetUCharAt(50, 50))
	assert.Equal(t, uint8(90), curr.GetUCharAt(50, 50))
}

func TestDifference_IsolatesDarkerProbe(t *testing.T) {
	d := NewDifferencer(DefaultParams())

	prev := solid(t, 200, 150, 200)
	curr := solid(t, 200, 150, 200)
	bar(&curr, image.Pt(20, 75), image.Pt(180, 75), 40, 5)

	out, err := d.Difference(curr, prev, gocv.NewMat())
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, uint8(255), out.GetUCharAt(75, 100))
	assert.Equal(t, uint8(0), out.GetUCharAt(20, 100))
	assert.Equal(t, uint8(0), out.GetUCharAt(130, 10))
}

func TestDifference_RespectsMask(t *testing.T) {
	d := NewDifferencer(DefaultParams())

	prev := solid(t, 200, 150, 200)
	curr := solid(t, 200, 150, 200)
	bar(&curr, image.Pt(20, 75), image.Pt(180, 75), 40, 5)

	// Mask out everything: no difference survives.
	mask := solid(t, 200, 150, 0)
	_, err := d.Difference(curr, prev, mask)
	assert.ErrorIs(t, err, ErrDetectionMiss)

	// Mask only the right half.
	half := solid(t, 200, 150, 0)
	gocv.Rectangle(&half, image.Rect(100, 0, 200, 150), colorWhite, -1)
	out, err := d.Difference(curr, prev, half)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, uint8(255), out.GetUCharAt(75, 150))
	assert.Equal(t, uint8(0), out.GetUCharAt(75, 50))
}

func TestDifference_SizeMismatch(t *testing.T) {
	d := NewDifferencer(DefaultParams())
	_, err := d.Difference(solid(t, 10, 10, 0), solid(t, 20, 10, 0), gocv.NewMat())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDetectionMiss)
}
