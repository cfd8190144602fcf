package bundle

import "errors"

var (
	// ErrRefinementFailed wraps every refinement failure. The caller keeps its
	// previous fit.
	ErrRefinementFailed = errors.New("bundle adjustment failed")

	// ErrInsufficientObservations is returned when no point is seen by enough cameras.
	ErrInsufficientObservations = errors.New("insufficient observations")

	// ErrNotConverged is returned when the optimizer stops without converging
	// or the cost did not improve.
	ErrNotConverged = errors.New("optimizer did not converge")
)
