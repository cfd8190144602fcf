package calib

import "errors"

var (
	// ErrInsufficientData is returned when a fit is requested with fewer than
	// three correspondences or with points that span no volume.
	ErrInsufficientData = errors.New("insufficient correspondences for fit")

	// ErrUnknownSerial is returned when a snapshot is requested for a stage
	// that has never been observed.
	ErrUnknownSerial = errors.New("unknown stage serial")
)
