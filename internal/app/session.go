// Package app wires camera workers, triangulation and calibration into a
// running session and fans calibration events out to listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"probe-calib/internal/calib"
	"probe-calib/internal/detect"
	"probe-calib/internal/frame"
	"probe-calib/internal/stereo"

	"github.com/golang/geo/r3"
)

// ErrConfiguration is returned for input the session has no calibration
// for. It halts calibration of the affected stage until ClearStage.
var ErrConfiguration = errors.New("configuration error")

// EventType identifies different session events.
type EventType int

const (
	EventTipDetected  EventType = iota // data: detect.Detection
	EventAxisComplete                  // data: calib.Event
	EventProgress                      // data: calib.Event
	EventCalibrated                    // data: calib.Event
	EventConfigError                   // data: ConfigError
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// ConfigError is the payload of EventConfigError.
type ConfigError struct {
	Serial string
	Err    error
}

// EventPublisher forwards calibration events outside the process.
type EventPublisher interface {
	PublishEvent(ev calib.Event) error
	PublishError(serial string, cause error) error
}

// CameraModelUser is anything else that computes with the camera models,
// such as a bundle adjustment refiner. It is kept in step with the session.
type CameraModelUser interface {
	SetCameras(cams []*stereo.Camera) error
}

// Options configures a Session.
type Options struct {
	Cameras       []*stereo.Camera // Exactly two
	Params        detect.Params
	PairTolerance time.Duration   // Max capture-time difference of a detection pair
	Publisher     EventPublisher  // Optional
	Refiner       CameraModelUser // Optional; receives every camera update
	Logger        *log.Logger     // nil uses log.Default()
}

type stageSample struct {
	local r3.Vector
	ts    time.Time
}

// Session owns one detection worker per camera, pairs their detections by
// stage serial and capture time, triangulates each pair and feeds the result
// with the latest stage position to the accumulator.
type Session struct {
	acc       *calib.Accumulator
	publisher EventPublisher
	refiner   CameraModelUser
	tolerance time.Duration
	logger    *log.Logger

	mu         sync.RWMutex
	tri        *stereo.Triangulator
	cameras    map[string]int // camera name -> triangulator slot
	workers    map[string]*detect.Worker
	order      []string
	serial     string
	stage      map[string]stageSample
	pending    map[string]map[string]detect.Detection
	halted     map[string]error
	listeners  map[EventType][]EventListener
	runCtx     context.Context
	pairs      int
	mismatched int
}

// NewSession creates a session around acc.
func NewSession(acc *calib.Accumulator, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.PairTolerance <= 0 {
		opts.PairTolerance = 50 * time.Millisecond
	}
	if len(opts.Cameras) != 2 {
		return nil, fmt.Errorf("need exactly two cameras, got %d: %w", len(opts.Cameras), ErrConfiguration)
	}
	tri, err := stereo.NewTriangulator(opts.Cameras[0], opts.Cameras[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	s := &Session{
		acc:       acc,
		publisher: opts.Publisher,
		refiner:   opts.Refiner,
		tolerance: opts.PairTolerance,
		logger:    opts.Logger,
		tri:       tri,
		cameras:   make(map[string]int),
		workers:   make(map[string]*detect.Worker),
		stage:     make(map[string]stageSample),
		pending:   make(map[string]map[string]detect.Detection),
		halted:    make(map[string]error),
		listeners: make(map[EventType][]EventListener),
		runCtx:    context.Background(),
	}
	for i, cam := range opts.Cameras {
		if _, dup := s.cameras[cam.Name]; dup {
			return nil, fmt.Errorf("duplicate camera %q: %w", cam.Name, ErrConfiguration)
		}
		s.cameras[cam.Name] = i
		s.order = append(s.order, cam.Name)
		tracker := detect.NewTracker(cam.Name, opts.Params, opts.Logger)
		s.workers[cam.Name] = detect.NewWorker(tracker, s.onDetection, opts.Logger)
	}
	return s, nil
}

// On registers an event listener for the specified event type.
func (s *Session) On(event EventType, listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (s *Session) Emit(event EventType, data interface{}) {
	s.mu.RLock()
	listeners := s.listeners[event]
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Worker returns the detection worker of a camera.
func (s *Session) Worker(camera string) (*detect.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[camera]
	return w, ok
}

// Run starts every camera worker and blocks until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	workers := s.workerList()
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(w *detect.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				errs <- fmt.Errorf("%s: %w", w.Camera(), err)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// SelectStage starts detection for serial on every camera.
func (s *Session) SelectStage(serial string) {
	s.mu.Lock()
	s.serial = serial
	workers := s.workerList()
	s.mu.Unlock()

	for _, w := range workers {
		w.StartDetection(serial)
	}
	s.logger.Printf("session: detecting stage %s", serial)
}

// StopDetection pauses every camera.
func (s *Session) StopDetection() {
	s.mu.RLock()
	workers := s.workerList()
	s.mu.RUnlock()

	for _, w := range workers {
		w.StopDetection()
	}
}

// Serial returns the selected stage.
func (s *Session) Serial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial
}

func (s *Session) workerList() []*detect.Worker {
	out := make([]*detect.Worker, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.workers[name])
	}
	return out
}

// SubmitFrame routes a frame to its camera's worker. A frame from an
// unconfigured camera halts the selected stage.
func (s *Session) SubmitFrame(f *frame.Frame) error {
	s.mu.RLock()
	w, ok := s.workers[f.Camera]
	serial := s.serial
	s.mu.RUnlock()

	if !ok {
		f.Close()
		return s.halt(serial, fmt.Errorf("frame from camera %q without calibration: %w", f.Camera, ErrConfiguration))
	}
	w.Submit(f)
	return nil
}

// UpdateStage records the latest local position reported by a stage.
func (s *Session) UpdateStage(serial string, local r3.Vector, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage[serial] = stageSample{local: local, ts: ts}
}

// Halted reports whether calibration of serial is stopped by a configuration error.
func (s *Session) Halted(serial string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.halted[serial]
	return ok
}

// ClearStage removes the stage's correspondences and tracked probe and
// lifts a configuration halt.
func (s *Session) ClearStage(ctx context.Context, serial string) error {
	if err := s.acc.Clear(ctx, serial); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.halted, serial)
	delete(s.pending, serial)
	delete(s.stage, serial)
	workers := s.workerList()
	s.mu.Unlock()

	for _, w := range workers {
		w.ResetSerial(serial)
	}
	s.logger.Printf("session: cleared stage %s", serial)
	return nil
}

// SetCameras replaces the calibration of the configured cameras, in the
// triangulator and the refiner alike. Camera names must match the ones the
// session was created with. On error nothing is changed.
func (s *Session) SetCameras(cams []*stereo.Camera) error {
	if len(cams) != 2 {
		return fmt.Errorf("need exactly two cameras, got %d: %w", len(cams), ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cam := range cams {
		if cam == nil || s.order[i] != cam.Name {
			return fmt.Errorf("camera %d must be %q: %w", i, s.order[i], ErrConfiguration)
		}
	}
	tri, err := stereo.NewTriangulator(cams[0], cams[1])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if s.refiner != nil {
		if err := s.refiner.SetCameras(cams); err != nil {
			return fmt.Errorf("refiner: %w: %w", ErrConfiguration, err)
		}
	}
	s.tri = tri
	s.logger.Printf("session: camera calibration updated")
	return nil
}

// Stats returns the number of triangulated pairs and of detections dropped
// because their partner was too far apart in time.
func (s *Session) Stats() (pairs, mismatched int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs, s.mismatched
}

func (s *Session) onDetection(d detect.Detection) {
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if err := s.HandleDetection(ctx, d); err != nil && !errors.Is(err, ErrConfiguration) {
		s.logger.Printf("session: %s/%s: %v", d.Serial, d.Camera, err)
	}
}

// HandleDetection pairs d with the latest detection of the other camera for
// the same stage. A pair within the tolerance is triangulated and fed to
// the accumulator; anything else waits or is silently dropped. A halted
// stage returns the error that halted it.
func (s *Session) HandleDetection(ctx context.Context, d detect.Detection) error {
	s.Emit(EventTipDetected, d)

	s.mu.Lock()
	if cause, halted := s.halted[d.Serial]; halted {
		s.mu.Unlock()
		return cause
	}
	slot, known := s.cameras[d.Camera]
	if !known {
		s.mu.Unlock()
		return s.halt(d.Serial, fmt.Errorf("detection from camera %q without calibration: %w", d.Camera, ErrConfiguration))
	}

	// Step 1: find the partner detection
	byCam, ok := s.pending[d.Serial]
	if !ok {
		byCam = make(map[string]detect.Detection)
		s.pending[d.Serial] = byCam
	}
	other := s.order[1-slot]
	partner, havePartner := byCam[other]
	if !havePartner {
		byCam[d.Camera] = d
		s.mu.Unlock()
		return nil
	}
	if absDuration(d.Timestamp.Sub(partner.Timestamp)) > s.tolerance {
		byCam[d.Camera] = d
		s.mismatched++
		s.mu.Unlock()
		return nil
	}
	delete(byCam, other)
	delete(byCam, d.Camera)

	sample, haveStage := s.stage[d.Serial]
	tri := s.tri
	s.pairs++
	s.mu.Unlock()

	if !haveStage {
		return nil
	}

	// Step 2: triangulate in camera order
	views := [2]detect.Detection{}
	views[slot] = d
	views[1-slot] = partner
	global, err := tri.Triangulate(views[0].Tip, views[1].Tip)
	if errors.Is(err, stereo.ErrDegenerateGeometry) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("triangulate: %w", err)
	}

	captured := views[0].Timestamp
	if views[1].Timestamp.Before(captured) {
		captured = views[1].Timestamp
	}

	// Step 3: calibrate
	_, err = s.Feed(ctx, calib.Correspondence{
		Serial:         d.Serial,
		Local:          sample.local,
		Global:         global,
		LocalTimestamp: sample.ts,
		CapturedAt:     captured,
		Views: [2]calib.CameraView{
			{Name: views[0].Camera, Pixel: views[0].Tip},
			{Name: views[1].Camera, Pixel: views[1].Tip},
		},
	})
	return err
}

// Feed passes one correspondence to the accumulator and distributes the
// resulting events. It is also used to replay a recorded log. A halted
// stage returns the error that halted it.
func (s *Session) Feed(ctx context.Context, c calib.Correspondence) (calib.Outcome, error) {
	s.mu.RLock()
	cause, halted := s.halted[c.Serial]
	s.mu.RUnlock()
	if halted {
		return calib.Outcome{}, cause
	}
	out, err := s.acc.Update(ctx, c)
	if err != nil {
		return out, err
	}
	for _, ev := range out.Events {
		s.dispatch(ev)
	}
	if out.Status == calib.StatusConverged {
		s.logger.Printf("session: stage %s calibrated", c.Serial)
	}
	return out, nil
}

func (s *Session) dispatch(ev calib.Event) {
	switch ev.Kind {
	case calib.EventAxisComplete:
		s.Emit(EventAxisComplete, ev)
	case calib.EventProgress:
		s.Emit(EventProgress, ev)
	case calib.EventConverged:
		s.Emit(EventCalibrated, ev)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishEvent(ev); err != nil {
			s.logger.Printf("session: publish %s for %s: %v", ev.Kind, ev.Serial, err)
		}
	}
}

// halt stops calibration of serial and reports cause.
func (s *Session) halt(serial string, cause error) error {
	s.mu.Lock()
	if serial != "" {
		s.halted[serial] = cause
	}
	s.mu.Unlock()

	s.logger.Printf("session: stage %s halted: %v", serial, cause)
	s.Emit(EventConfigError, ConfigError{Serial: serial, Err: cause})
	if s.publisher != nil && serial != "" {
		if err := s.publisher.PublishError(serial, cause); err != nil {
			s.logger.Printf("session: publish error for %s: %v", serial, err)
		}
	}
	return cause
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
