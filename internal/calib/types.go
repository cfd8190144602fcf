// Package calib accumulates stage-local / reticle-global point
// correspondences per stage and fits the local-to-global similarity
// transform until it converges.
package calib

import (
	"time"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
)

// Axis identifies a stage axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return "?"
}

// CameraView is one camera's pixel observation of the probe tip.
type CameraView struct {
	Name  string
	Pixel geometry.Point2D
}

// Correspondence is one row of the correspondence log.
type Correspondence struct {
	Serial         string
	Local          r3.Vector // Stage coordinates
	Global         r3.Vector // Triangulated reticle coordinates
	LocalTimestamp time.Time // When the stage reported Local
	CapturedAt     time.Time // When the frames were captured
	Views          [2]CameraView
}

// SortViews orders the camera views by camera name.
func (c *Correspondence) SortViews() {
	if c.Views[0].Name > c.Views[1].Name {
		c.Views[0], c.Views[1] = c.Views[1], c.Views[0]
	}
}

// sameSample reports whether two rows describe the same accepted sample.
func (c Correspondence) sameSample(o Correspondence) bool {
	return c.Serial == o.Serial &&
		c.LocalTimestamp.Equal(o.LocalTimestamp) &&
		geometry.RoundVector(c.Global) == geometry.RoundVector(o.Global)
}

// Thresholds control sample rejection, outlier removal and convergence.
type Thresholds struct {
	MinLocalZ          float64 // Samples with lower local z are rejected
	RangeXY            float64 // Required local span on x and y
	RangeZ             float64 // Required local span on z
	Residual           float64 // Max residual of the latest sample at convergence
	Outlier            float64 // Rows with larger residual are excluded from the fit
	MinOutlierRows     int     // Outlier removal needs more rows than this
	RotationEpsilon    float64 // Max change of a rotation cell between fits
	TranslationEpsilon float64 // Max change of a translation cell between fits
}

// DefaultThresholds returns thresholds for stage coordinates in micrometers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLocalZ:          10,
		RangeXY:            2500,
		RangeZ:             2000,
		Residual:           20,
		Outlier:            30,
		MinOutlierRows:     10,
		RotationEpsilon:    0.00002,
		TranslationEpsilon: 50,
	}
}

// WithRanges returns a copy with different per-axis range requirements.
func (t Thresholds) WithRanges(xy, z float64) Thresholds {
	t.RangeXY = xy
	t.RangeZ = z
	return t
}

// WithResidual returns a copy with a different convergence residual.
func (t Thresholds) WithResidual(residual float64) Thresholds {
	t.Residual = residual
	return t
}

// WithOutlier returns a copy with a different outlier cut-off.
func (t Thresholds) WithOutlier(outlier float64) Thresholds {
	t.Outlier = outlier
	return t
}

// epsilon returns the per-cell stability limit for transform matrices.
func (t Thresholds) epsilon() geometry.Affine3D {
	r, tr := t.RotationEpsilon, t.TranslationEpsilon
	return geometry.Affine3D{
		{r, r, r, tr},
		{r, r, r, tr},
		{r, r, r, tr},
		{0, 0, 0, 0},
	}
}

func (t Thresholds) required(a Axis) float64 {
	if a == AxisZ {
		return t.RangeZ
	}
	return t.RangeXY
}

// Result is the state of a stage's fit.
type Result struct {
	Serial       string
	Matrix       geometry.Affine3D // [R|t]
	Scale        r3.Vector         // Uniform scale, applied to local before Matrix
	Residual     float64           // Residual of the latest sample
	MeanResidual float64
	StdResidual  float64
	Ranges       r3.Vector // Local span achieved per axis
	Points       int       // Rows in the fit
	Refined      bool      // Fit came from bundle-adjusted globals
}

// Apply maps a local point to global coordinates.
func (r Result) Apply(local r3.Vector) r3.Vector {
	return r.Matrix.Apply(r3.Vector{X: local.X * r.Scale.X, Y: local.Y * r.Scale.Y, Z: local.Z * r.Scale.Z})
}

// Status is the outcome of one Update.
type Status int

const (
	StatusRejected Status = iota
	StatusInsufficientData
	StatusFitted
	StatusConverged
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusRejected:
		return "rejected"
	case StatusInsufficientData:
		return "insufficient-data"
	case StatusFitted:
		return "fitted"
	case StatusConverged:
		return "converged"
	case StatusComplete:
		return "complete"
	}
	return "unknown"
}

// EventKind distinguishes calibration events.
type EventKind int

const (
	EventAxisComplete EventKind = iota
	EventProgress
	EventConverged
)

func (k EventKind) String() string {
	switch k {
	case EventAxisComplete:
		return "axis-complete"
	case EventProgress:
		return "progress"
	case EventConverged:
		return "converged"
	}
	return "unknown"
}

// Event is emitted by Update. Axis is set for EventAxisComplete; Result for
// EventProgress and EventConverged.
type Event struct {
	Kind   EventKind
	Serial string
	Axis   Axis
	Result *Result
}

// Outcome is what one Update produced.
type Outcome struct {
	Status    Status
	Duplicate bool // Sample matched an existing row and was not appended
	Events    []Event
}
