// Package colorutil provides the overlay colors used when annotating frames.
package colorutil

import "image/color"

// Overlay colors for detection debug images.
var (
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Role colors.
var (
	ProbeAxis = Cyan    // Coarse base-to-tip line
	CoarseTip = Yellow  // Tip at detection resolution, scaled up
	FineTip   = Magenta // Refined tip
	Miss      = White   // Label of a frame without a detection
)
