package detect

import "errors"

var (
	// ErrDetectionMiss is returned when no probe is found in the current frame.
	// It is expected during normal operation and is retried on the next frame.
	ErrDetectionMiss = errors.New("no probe detected")

	// ErrAmbiguousTip is returned when the tip silhouette touches a crop boundary
	// in a way that means the tip may continue outside the crop.
	ErrAmbiguousTip = errors.New("ambiguous probe tip")

	// ErrNoSerial is returned when a frame is processed before a stage is selected.
	ErrNoSerial = errors.New("no stage serial selected")
)
