package detect

import (
	"image"
	"math"

	"probe-calib/pkg/geometry"
)

// cropAround returns the bounding box of tip and base expanded by size on every
// side, clamped to a w x h image.
func cropAround(tip, base geometry.Point2D, size, w, h int) image.Rectangle {
	minX := math.Min(tip.X, base.X) - float64(size)
	minY := math.Min(tip.Y, base.Y) - float64(size)
	maxX := math.Max(tip.X, base.X) + float64(size)
	maxY := math.Max(tip.Y, base.Y) + float64(size)

	r := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1,
	)
	return r.Intersect(image.Rect(0, 0, w, h))
}

// onCropBoundary reports whether p lies within margin of an edge of crop.
// A tip there may continue outside the crop.
func onCropBoundary(p geometry.Point2D, crop image.Rectangle, margin float64) bool {
	return p.X-float64(crop.Min.X) <= margin ||
		p.Y-float64(crop.Min.Y) <= margin ||
		float64(crop.Max.X-1)-p.X <= margin ||
		float64(crop.Max.Y-1)-p.Y <= margin
}
