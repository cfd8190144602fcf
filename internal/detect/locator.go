package detect

import (
	"fmt"

	"probe-calib/pkg/geometry"

	"gocv.io/x/gocv"
)

// Locator finds the probe line in a binary difference image and decides which
// end is the tip. It is not safe for concurrent use; each camera owns one.
type Locator struct {
	params   Params
	attempts []int
}

// NewLocator creates a locator.
func NewLocator(params Params) *Locator {
	return &Locator{params: params}
}

// Attempts returns the crop sizes tried by the last Track call, in order.
func (l *Locator) Attempts() []int {
	return append([]int(nil), l.attempts...)
}

// FirstDetect searches the whole difference image. The line end nearer the
// image border is taken as the base, since the probe enters from outside.
func (l *Locator) FirstDetect(diff gocv.Mat) (Probe, error) {
	if diff.Empty() {
		return Probe{}, ErrDetectionMiss
	}

	segs := houghSegments(diff, l.params, l.params.FirstMinLineLength, geometry.Point2D{})
	e1, e2, ok := mergeSegments(segs, l.params)
	if !ok {
		return Probe{}, fmt.Errorf("no line in full frame: %w", ErrDetectionMiss)
	}

	w, h := diff.Cols(), diff.Rows()
	tip, base := e1, e2
	if borderDistance(e1, w, h) < borderDistance(e2, w, h) {
		tip, base = e2, e1
	}
	return newProbe(tip, base), nil
}

// Track searches a crop around the previous tip/base, growing the crop until
// a line is found whose tip end is strictly inside the crop, or the crop
// exceeds the image.
func (l *Locator) Track(diff gocv.Mat, prev Probe) (Probe, error) {
	l.attempts = l.attempts[:0]
	if diff.Empty() {
		return Probe{}, ErrDetectionMiss
	}

	w, h := diff.Cols(), diff.Rows()
	maxDim := geometry.Size{Width: w, Height: h}.MaxDim()

	for size := l.params.CropInit; size <= maxDim; size += l.params.CropStep {
		l.attempts = append(l.attempts, size)

		crop := cropAround(prev.Tip, prev.Base, size, w, h)
		if crop.Empty() {
			continue
		}

		region := diff.Region(crop)
		offset := geometry.PointInt{X: crop.Min.X, Y: crop.Min.Y}.ToFloat()
		segs := houghSegments(region, l.params, l.params.minLineLength(size), offset)
		region.Close()

		e1, e2, ok := mergeSegments(segs, l.params)
		if !ok {
			continue
		}

		tip, base := e1, e2
		if e2.Distance(prev.Tip) < e1.Distance(prev.Tip) {
			tip, base = e2, e1
		}
		if onCropBoundary(tip, crop, l.params.BoundaryMargin) {
			continue
		}
		return newProbe(tip, base), nil
	}

	return Probe{}, fmt.Errorf("no tip after %d crop attempts: %w", len(l.attempts), ErrDetectionMiss)
}
