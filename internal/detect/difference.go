package detect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Differencer isolates the moving probe between two preprocessed frames.
type Differencer struct {
	params Params
}

// NewDifferencer creates a differencer.
func NewDifferencer(params Params) *Differencer {
	return &Differencer{params: params}
}

// Preprocess downsamples a grayscale frame to the detection size and blurs it.
// The caller owns the result.
func (d *Differencer) Preprocess(gray gocv.Mat) gocv.Mat {
	resized := gocv.NewMat()
	defer resized.Close()
	size := image.Point{X: d.params.DetectSize.Width, Y: d.params.DetectSize.Height}
	if gray.Cols() == size.X && gray.Rows() == size.Y {
		gray.CopyTo(&resized)
	} else {
		gocv.Resize(gray, &resized, size, 0, 0, gocv.InterpolationArea)
	}

	out := gocv.NewMat()
	k := d.params.PreBlurKernel
	if k > 1 {
		gocv.GaussianBlur(resized, &out, image.Point{X: k, Y: k}, 0, 0, gocv.BorderDefault)
	} else {
		resized.CopyTo(&out)
	}
	return out
}

// Difference returns a binary image of pixels that got darker from prev to
// curr inside mask (the probe is darker than the scene behind it). Returns
// ErrDetectionMiss when the peak difference is below the noise floor.
// The caller owns and must close the result, also when err is non-nil.
func (d *Differencer) Difference(curr, prev, mask gocv.Mat) (gocv.Mat, error) {
	if curr.Empty() || prev.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty frame: %w", ErrDetectionMiss)
	}
	if curr.Rows() != prev.Rows() || curr.Cols() != prev.Cols() {
		return gocv.NewMat(), fmt.Errorf("frame size mismatch %dx%d vs %dx%d",
			curr.Cols(), curr.Rows(), prev.Cols(), prev.Rows())
	}

	// Step 1: saturating prev - curr, restricted to the mask
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.Subtract(prev, curr, &diff)

	masked := gocv.NewMat()
	defer masked.Close()
	if mask.Empty() {
		diff.CopyTo(&masked)
	} else {
		gocv.BitwiseAndWithMask(diff, diff, &masked, mask)
	}

	// Step 2: reject frames with no real motion
	_, maxVal, _, _ := gocv.MinMaxLoc(masked)
	if float64(maxVal) < d.params.NoiseFloor {
		return gocv.NewMat(), fmt.Errorf("max difference %.0f below noise floor: %w", maxVal, ErrDetectionMiss)
	}

	// Step 3: zero faint differences (shadows), then Otsu-binarize the rest
	cut := float32(float64(maxVal) * d.params.ShadowThreshold)
	strong := gocv.NewMat()
	defer strong.Close()
	gocv.Threshold(masked, &strong, cut, 255, gocv.ThresholdToZero)

	otsu := gocv.NewMat()
	defer otsu.Close()
	gocv.Threshold(strong, &otsu, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	binary := gocv.NewMat()
	if mask.Empty() {
		otsu.CopyTo(&binary)
	} else {
		gocv.BitwiseAndWithMask(otsu, otsu, &binary, mask)
	}
	return binary, nil
}
