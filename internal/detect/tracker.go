package detect

import (
	"errors"
	"fmt"
	"image"
	"log"

	"probe-calib/internal/frame"
	"probe-calib/pkg/geometry"

	"gocv.io/x/gocv"
)

// Tracker runs the detection pipeline for one camera. It keeps the previous
// preprocessed frame and a probe state per stage serial, so switching between
// stages resumes tracking where it left off. Not safe for concurrent use.
type Tracker struct {
	camera  string
	params  Params
	logger  *log.Logger
	diff    *Differencer
	locator *Locator
	refiner *FineTipRefiner

	mask       gocv.Mat
	background gocv.Mat
	prev       gocv.Mat

	serial string
	states map[string]*ProbeState
}

// NewTracker creates a tracker for the named camera. A nil logger uses log.Default().
func NewTracker(camera string, params Params, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		camera:     camera,
		params:     params,
		logger:     logger,
		diff:       NewDifferencer(params),
		locator:    NewLocator(params),
		refiner:    NewFineTipRefiner(params),
		mask:       gocv.NewMat(),
		background: gocv.NewMat(),
		prev:       gocv.NewMat(),
		states:     make(map[string]*ProbeState),
	}
}

// Close releases the retained images.
func (t *Tracker) Close() {
	t.mask.Close()
	t.background.Close()
	t.prev.Close()
}

// Camera returns the camera name.
func (t *Tracker) Camera() string {
	return t.camera
}

// SelectSerial switches to the named stage. The previous frame is discarded
// so the first difference is computed against a frame of the new stage.
func (t *Tracker) SelectSerial(serial string) {
	if serial == t.serial {
		return
	}
	t.serial = serial
	t.prev.Close()
	t.prev = gocv.NewMat()
	if _, ok := t.states[serial]; !ok && serial != "" {
		t.states[serial] = &ProbeState{Serial: serial}
	}
}

// Serial returns the selected stage serial.
func (t *Tracker) Serial() string {
	return t.serial
}

// State returns a copy of the tracked state for serial.
func (t *Tracker) State(serial string) (ProbeState, bool) {
	s, ok := t.states[serial]
	if !ok {
		return ProbeState{}, false
	}
	return *s, true
}

// ResetSerial forgets the tracked probe for serial.
func (t *Tracker) ResetSerial(serial string) {
	if s, ok := t.states[serial]; ok {
		s.Reset()
	}
}

// SetMask sets the working-area mask (non-zero = valid). The mask is resized
// to the detection size; the caller keeps ownership of m.
func (t *Tracker) SetMask(m gocv.Mat) {
	t.mask.Close()
	t.mask = gocv.NewMat()
	if m.Empty() {
		return
	}
	gray := frame.Gray(m)
	defer gray.Close()
	gocv.Resize(gray, &t.mask, t.detectPoint(), 0, 0, gocv.InterpolationNearestNeighbor)
}

// SetBackground stores a probe-free reference frame, used when differencing
// against the previous frame finds nothing.
func (t *Tracker) SetBackground(m gocv.Mat) {
	t.background.Close()
	if m.Empty() {
		t.background = gocv.NewMat()
		return
	}
	gray := frame.Gray(m)
	defer gray.Close()
	t.background = t.diff.Preprocess(gray)
}

// Process runs one frame through the pipeline. A successful tracking update
// returns a Detection; the first acquisition of a stage returns one with
// Initial set. Misses return ErrDetectionMiss or ErrAmbiguousTip.
func (t *Tracker) Process(f *frame.Frame) (Detection, error) {
	state, ok := t.states[t.serial]
	if !ok || t.serial == "" {
		return Detection{}, ErrNoSerial
	}

	gray := frame.Gray(f.Mat)
	defer gray.Close()
	curr := t.diff.Preprocess(gray)

	// Step 1: seed the previous frame
	if t.prev.Empty() {
		t.prev.Close()
		t.prev = curr
		return Detection{}, fmt.Errorf("no previous frame: %w", ErrDetectionMiss)
	}

	// Step 2: coarse detection against the previous frame, then the background
	probe, err := t.locate(curr, t.prev, state)
	if errors.Is(err, ErrDetectionMiss) && !t.background.Empty() {
		probe, err = t.locate(curr, t.background, state)
	}
	if err != nil {
		curr.Close()
		return Detection{}, err
	}

	// Step 3: a coarse hit becomes the new reference frame
	t.prev.Close()
	t.prev = curr

	initial := !state.Found
	state.Found = true
	state.Probe = probe
	if initial {
		t.logger.Printf("%s: probe acquired for %s at (%.0f, %.0f) pointing %s",
			t.camera, t.serial, probe.Tip.X, probe.Tip.Y, probe.Direction)
	}

	// Step 4: refine on the full-resolution frame
	origSize := geometry.Size{Width: gray.Cols(), Height: gray.Rows()}
	coarseOrig := t.params.DetectSize.ScaleTo(probe.Tip, origSize)
	tip, err := t.refiner.Refine(gray, coarseOrig, probe.Direction)
	if err != nil {
		return Detection{}, fmt.Errorf("%s: fine tip: %w", t.camera, err)
	}
	state.TipOriginal = tip

	return Detection{
		Camera:    t.camera,
		Serial:    t.serial,
		Timestamp: f.Timestamp,
		Tip:       tip,
		Coarse:    probe,
		Initial:   initial,
	}, nil
}

func (t *Tracker) locate(curr, ref gocv.Mat, state *ProbeState) (Probe, error) {
	binary, err := t.diff.Difference(curr, ref, t.mask)
	defer binary.Close()
	if err != nil {
		return Probe{}, err
	}

	if !state.Found {
		return t.locator.FirstDetect(binary)
	}
	return t.locator.Track(binary, state.Probe)
}

func (t *Tracker) detectPoint() image.Point {
	return image.Point{X: t.params.DetectSize.Width, Y: t.params.DetectSize.Height}
}
