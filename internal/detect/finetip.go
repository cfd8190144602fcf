package detect

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"probe-calib/pkg/geometry"

	"gocv.io/x/gocv"
)

// FineTipRefiner corrects a coarse tip estimate on the full-resolution image
// using corner clusters around the probe end.
type FineTipRefiner struct {
	params Params
}

// NewFineTipRefiner creates a refiner.
func NewFineTipRefiner(params Params) *FineTipRefiner {
	return &FineTipRefiner{params: params}
}

// Refine returns the refined tip in original-image coordinates. gray must be
// the full-resolution 8-bit grayscale frame and coarse a point in the same
// coordinates. Returns ErrAmbiguousTip when the silhouette is not cleanly
// contained in the refinement window.
func (r *FineTipRefiner) Refine(gray gocv.Mat, coarse geometry.Point2D, dir Direction) (geometry.Point2D, error) {
	if gray.Empty() {
		return coarse, fmt.Errorf("empty image: %w", ErrDetectionMiss)
	}

	// Step 1: fixed window around the coarse tip
	c := coarse.ImagePoint()
	half := r.params.FineCrop
	win := image.Rect(c.X-half, c.Y-half, c.X+half+1, c.Y+half+1).
		Intersect(image.Rect(0, 0, gray.Cols(), gray.Rows()))
	if win.Dx() < 3 || win.Dy() < 3 {
		return coarse, fmt.Errorf("tip window outside image: %w", ErrDetectionMiss)
	}

	crop := gray.Region(win)
	defer crop.Close()

	// Step 2: blur, sharpen and binarize (probe dark, background bright)
	binary := r.binarize(crop)
	defer binary.Close()

	// Step 3: the silhouette must enter the window exactly once and not
	// occupy more than one window corner
	if err := checkContained(binary); err != nil {
		return coarse, err
	}

	// Step 4: corner clusters and their extremal points along dir
	resp := harrisResponse(binary, r.params.HarrisBlock, r.params.HarrisKsize, r.params.HarrisK)
	marks := cornerMarks(resp, r.params.HarrisThreshold)
	defer marks.Close()
	if marks.Empty() {
		return coarse, fmt.Errorf("no corner response: %w", ErrAmbiguousTip)
	}

	contours := gocv.FindContours(marks, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer contours.Close()

	// Step 5: pick the cluster whose extremal point is nearest the coarse tip
	offset := geometry.Point2D{X: float64(win.Min.X), Y: float64(win.Min.Y)}
	best := coarse
	bestDist := math.Inf(1)
	for i := 0; i < contours.Size(); i++ {
		pts := contours.At(i).ToPoints()
		if len(pts) == 0 {
			continue
		}
		ext := extremalPoint(pts, dir).Add(offset)
		if d := ext.Distance(coarse); d < bestDist {
			bestDist = d
			best = ext
		}
	}
	if math.IsInf(bestDist, 1) {
		return coarse, fmt.Errorf("no corner clusters: %w", ErrAmbiguousTip)
	}
	return best, nil
}

// binarize returns a mask where probe pixels are 255. The caller owns the result.
func (r *FineTipRefiner) binarize(crop gocv.Mat) gocv.Mat {
	k := r.params.FineBlurKernel
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(crop, &blurred, image.Point{X: k, Y: k}, 0, 0, gocv.BorderDefault)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(blurred, &lap, gocv.MatTypeCV16S, 1, 1, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.ConvertScaleAbs(lap, &edges, 1, 0)

	sharpened := gocv.NewMat()
	defer sharpened.Close()
	gocv.Subtract(blurred, edges, &sharpened)

	binary := gocv.NewMat()
	gocv.Threshold(sharpened, &binary, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)
	return binary
}

// checkContained rejects silhouettes that cross the window border in two or
// more places or cover more than one window corner.
func checkContained(binary gocv.Mat) error {
	rows, cols := binary.Rows(), binary.Cols()

	ring := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8U)
	defer ring.Close()
	gocv.Rectangle(&ring, image.Rect(0, 0, cols-1, rows-1), color.RGBA{R: 255, G: 255, B: 255}, 1)

	touching := gocv.NewMat()
	defer touching.Close()
	gocv.BitwiseAnd(binary, ring, &touching)

	runs := gocv.FindContours(touching, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	n := runs.Size()
	runs.Close()
	if n >= 2 {
		return fmt.Errorf("silhouette crosses window border %d times: %w", n, ErrAmbiguousTip)
	}

	corners := 0
	for _, p := range []image.Point{{0, 0}, {cols - 1, 0}, {0, rows - 1}, {cols - 1, rows - 1}} {
		if binary.GetUCharAt(p.Y, p.X) > 0 {
			corners++
		}
	}
	if corners >= 2 {
		return fmt.Errorf("silhouette covers %d window corners: %w", corners, ErrAmbiguousTip)
	}
	return nil
}

// extremalPoint returns the point furthest along dir.
func extremalPoint(pts []image.Point, dir Direction) geometry.Point2D {
	best := pts[0]
	bestScore := dir.extremalScore(float64(best.X), float64(best.Y))
	for _, p := range pts[1:] {
		if s := dir.extremalScore(float64(p.X), float64(p.Y)); s > bestScore {
			best, bestScore = p, s
		}
	}
	return geometry.Point2D{X: float64(best.X), Y: float64(best.Y)}
}
