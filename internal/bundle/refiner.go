package bundle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"probe-calib/internal/calib"
	"probe-calib/internal/stereo"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/optimize"
)

// Settings controls the optimizer.
type Settings struct {
	RefineCameras     bool    // Also refine the extrinsics of every camera but the first
	MinViews          int     // Cameras required before a point is optimised
	MaxIterations     int     // Major iteration limit
	GradientThreshold float64 // Stop when the gradient infinity-norm drops below this
	PointStep         float64 // Central-difference step for point coordinates
	RotationStep      float64 // Central-difference step for rotation vector components
	TranslationStep   float64 // Central-difference step for camera translation
}

// DefaultSettings returns settings that refine points only.
func DefaultSettings() Settings {
	return Settings{
		RefineCameras:     false,
		MinViews:          2,
		MaxIterations:     200,
		GradientThreshold: 1e-4,
		PointStep:         1e-3,
		RotationStep:      1e-7,
		TranslationStep:   1e-3,
	}
}

// WithCameraRefinement toggles extrinsic refinement.
func (s Settings) WithCameraRefinement(enabled bool) Settings {
	s.RefineCameras = enabled
	return s
}

// WithMaxIterations sets the major iteration limit.
func (s Settings) WithMaxIterations(n int) Settings {
	s.MaxIterations = n
	return s
}

// Refiner performs bundle adjustment over correspondence rows. It
// implements calib.Refiner.
type Refiner struct {
	settings Settings
	logger   *log.Logger

	mu      sync.RWMutex
	cameras []stereo.Camera
}

// NewRefiner creates a refiner for the given cameras. The first camera is
// the reference and is never moved. A nil logger uses log.Default().
func NewRefiner(cameras []*stereo.Camera, settings Settings, logger *log.Logger) (*Refiner, error) {
	if logger == nil {
		logger = log.Default()
	}
	cams, err := copyCameras(cameras)
	if err != nil {
		return nil, err
	}
	return &Refiner{settings: settings, logger: logger, cameras: cams}, nil
}

// SetCameras replaces the camera models used by later refinements. A
// refinement already running keeps the models it started with.
func (r *Refiner) SetCameras(cameras []*stereo.Camera) error {
	cams, err := copyCameras(cameras)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cameras = cams
	r.mu.Unlock()
	return nil
}

// Cameras returns a copy of the active camera models.
func (r *Refiner) Cameras() []stereo.Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stereo.Camera, len(r.cameras))
	copy(out, r.cameras)
	return out
}

func copyCameras(cameras []*stereo.Camera) ([]stereo.Camera, error) {
	if len(cameras) == 0 {
		return nil, fmt.Errorf("no cameras: %w", ErrInsufficientObservations)
	}
	out := make([]stereo.Camera, 0, len(cameras))
	for _, c := range cameras {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// Settings returns the active settings.
func (r *Refiner) Settings() Settings {
	return r.settings
}

// Refine adjusts the global estimate of every unique local point in rows.
// The returned points are index-aligned with the unique local points. On
// any error the caller should keep its existing fit.
func (r *Refiner) Refine(ctx context.Context, serial string, rows []calib.Correspondence) (calib.Refinement, error) {
	start := time.Now()

	// Step 1: build the problem from a private copy of the cameras
	cams := r.Cameras()
	p, err := BuildProblem(cams, rows, r.settings.MinViews)
	if err != nil {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w", serial, ErrRefinementFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w", serial, ErrRefinementFailed, err)
	}

	// Step 2: optimise
	s := newSolver(p, r.settings)
	x0 := s.pack()
	initial := s.cost(x0)

	result, err := optimize.Minimize(optimize.Problem{
		Func: s.cost,
		Grad: s.grad,
	}, x0, &optimize.Settings{
		MajorIterations:   r.settings.MaxIterations,
		GradientThreshold: r.settings.GradientThreshold,
		Converger: &contextConverger{
			ctx:   ctx,
			inner: &optimize.FunctionConverge{Absolute: 1e-8, Relative: 1e-10, Iterations: 20},
		},
	}, &optimize.LBFGS{})

	// Step 3: accept only converged, improved solutions
	if ctxErr := ctx.Err(); ctxErr != nil {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w", serial, ErrRefinementFailed, ctxErr)
	}
	if err != nil {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w: %v", serial, ErrRefinementFailed, ErrNotConverged, err)
	}
	if !accepted(result.Status) {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w: status %v", serial, ErrRefinementFailed, ErrNotConverged, result.Status)
	}
	if result.F > initial {
		return calib.Refinement{}, fmt.Errorf("%s: %w: %w: cost rose from %.4g to %.4g", serial, ErrRefinementFailed, ErrNotConverged, initial, result.F)
	}

	s.unpack(result.X)
	r.logger.Printf("bundle %s: %d points (%d free), %d observations, cost %.4g -> %.4g in %d iterations (%v)",
		serial, len(p.Points), p.FreePoints(), len(p.Observations), initial, result.F, result.Stats.MajorIterations, time.Since(start))

	global := make([]r3.Vector, len(p.Points))
	copy(global, p.Points)
	local := make([]r3.Vector, len(p.Local))
	copy(local, p.Local)
	return calib.Refinement{Local: local, Global: global}, nil
}

func accepted(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// contextConverger stops the optimizer when ctx is cancelled.
type contextConverger struct {
	ctx   context.Context
	inner optimize.Converger
}

func (c *contextConverger) Init(dim int) {
	c.inner.Init(dim)
}

func (c *contextConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.ctx.Err() != nil {
		return optimize.Failure
	}
	return c.inner.Converged(loc)
}
