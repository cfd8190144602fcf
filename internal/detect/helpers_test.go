package detect

import (
	"image"
	"image/color"
	"testing"

	"gocv.io/x/gocv"
)

// solid returns a single-channel 8-bit image filled with v.
func solid(t *testing.T, w, h int, v float64) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), h, w, gocv.MatTypeCV8U)
	t.Cleanup(func() { m.Close() })
	return m
}

// bar draws a thick line of intensity v.
func bar(m *gocv.Mat, from, to image.Point, v uint8, thickness int) {
	gocv.Line(m, from, to, color.RGBA{R: v, G: v, B: v}, thickness)
}

var colorWhite = color.RGBA{R: 255, G: 255, B: 255}
