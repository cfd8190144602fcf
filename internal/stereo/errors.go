package stereo

import "errors"

var (
	// ErrDegenerateGeometry is returned when the two viewing rays are parallel
	// and no unique intersection exists.
	ErrDegenerateGeometry = errors.New("degenerate triangulation geometry")

	// ErrInvalidCamera is returned for missing or malformed camera parameters.
	ErrInvalidCamera = errors.New("invalid camera parameters")
)
