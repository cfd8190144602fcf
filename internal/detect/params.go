package detect

import "probe-calib/pkg/geometry"

// Params holds tunables for the detection pipeline.
type Params struct {
	// Coarse detection runs on frames downscaled to this size.
	DetectSize    geometry.Size
	PreBlurKernel int // Gaussian kernel applied before differencing

	// Frame differencing
	NoiseFloor      float64 // Max difference below this means no motion
	ShadowThreshold float64 // Fraction of max difference zeroed to drop shadows

	// Crop search
	CropInit       int     // Initial crop margin around tip/base (pixels)
	CropStep       int     // Margin increment per retry
	BoundaryMargin float64 // Tip within this distance of a crop edge is ambiguous

	// Line detection
	HoughRho           float64
	HoughThetaDeg      float64
	HoughThreshold     int
	HoughMaxGap        float64
	FirstMinLineLength float64 // Minimum line length for full-frame detection
	MinLineBase        int     // Crop minimum line length = base + (size/CropInit)*step
	MinLineStep        int
	MergeAngleDeg      float64 // Segments within this angle of the dominant line are merged
	MergeDistance      float64 // ...and whose midpoint is within this distance of it

	// Fine tip refinement (full resolution)
	FineCrop        int // Half-size of the refinement window
	FineBlurKernel  int
	HarrisBlock     int
	HarrisKsize     int
	HarrisK         float64
	HarrisThreshold float64 // Fraction of the max response kept as corner
}

// DefaultParams returns detection parameters tuned for a 4000x3000 sensor
// downscaled to 1000x750 for coarse detection.
func DefaultParams() Params {
	return Params{
		DetectSize:    geometry.Size{Width: 1000, Height: 750},
		PreBlurKernel: 9,

		NoiseFloor:      20,
		ShadowThreshold: 0.5,

		CropInit:       50,
		CropStep:       100,
		BoundaryMargin: 2,

		HoughRho:           1,
		HoughThetaDeg:      1,
		HoughThreshold:     50,
		HoughMaxGap:        10,
		FirstMinLineLength: 60,
		MinLineBase:        40,
		MinLineStep:        5,
		MergeAngleDeg:      10,
		MergeDistance:      10,

		FineCrop:        25,
		FineBlurKernel:  7,
		HarrisBlock:     7,
		HarrisKsize:     5,
		HarrisK:         0.1,
		HarrisThreshold: 0.3,
	}
}

// WithDetectSize returns a copy of params with a different coarse detection size.
func (p Params) WithDetectSize(width, height int) Params {
	p.DetectSize = geometry.Size{Width: width, Height: height}
	return p
}

// WithCrop returns a copy of params with a custom crop schedule.
func (p Params) WithCrop(init, step int) Params {
	if init > 0 {
		p.CropInit = init
	}
	if step > 0 {
		p.CropStep = step
	}
	return p
}

// WithThresholds returns a copy of params with custom differencing thresholds.
func (p Params) WithThresholds(noiseFloor, shadow float64) Params {
	p.NoiseFloor = noiseFloor
	p.ShadowThreshold = shadow
	return p
}

// minLineLength scales the Hough minimum line length with the crop size.
func (p Params) minLineLength(cropSize int) float64 {
	return float64(p.MinLineBase + (cropSize/p.CropInit)*p.MinLineStep)
}

// maxAttempts is the upper bound on crop attempts for a frame of the given size.
func (p Params) maxAttempts(maxDim int) int {
	if maxDim < p.CropInit {
		return 0
	}
	return (maxDim-p.CropInit)/p.CropStep + 1
}
