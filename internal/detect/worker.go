package detect

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"probe-calib/internal/frame"
)

// DefaultIdleSleep is how long a worker waits between idle polls.
const DefaultIdleSleep = time.Millisecond

// Worker owns a Tracker and feeds it the latest frame from a camera. Frames
// arriving faster than they are processed overwrite each other in the slot.
type Worker struct {
	tracker *Tracker
	slot    *frame.Slot
	logger  *log.Logger
	handler func(Detection)

	IdleSleep time.Duration

	mu        sync.Mutex
	enabled   bool
	pending   *string
	resets    []string
	processed atomic.Int64
}

// NewWorker creates a worker. handler receives every tracked (non-initial)
// detection and is called from the worker goroutine.
func NewWorker(tracker *Tracker, handler func(Detection), logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		tracker:   tracker,
		slot:      frame.NewSlot(),
		logger:    logger,
		handler:   handler,
		IdleSleep: DefaultIdleSleep,
	}
}

// Camera returns the camera this worker serves.
func (w *Worker) Camera() string {
	return w.tracker.Camera()
}

// Submit hands a frame to the worker, replacing any unprocessed frame.
func (w *Worker) Submit(f *frame.Frame) {
	w.slot.Put(f)
}

// Dropped returns how many frames were replaced before processing.
func (w *Worker) Dropped() int64 {
	return w.slot.Dropped()
}

// Processed returns how many frames went through the tracker.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// StartDetection enables detection for the given stage serial.
func (w *Worker) StartDetection(serial string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = &serial
	w.enabled = true
}

// ResetSerial forgets the tracked probe of serial before the next frame.
func (w *Worker) ResetSerial(serial string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets = append(w.resets, serial)
}

// StopDetection pauses detection. Pending frames are discarded.
func (w *Worker) StopDetection() {
	w.mu.Lock()
	w.enabled = false
	w.mu.Unlock()
	w.slot.Drain()
}

// Enabled reports whether detection is running.
func (w *Worker) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Run processes frames until ctx is done. The tracker is closed on return.
func (w *Worker) Run(ctx context.Context) error {
	defer w.tracker.Close()
	defer w.slot.Drain()

	interval := w.IdleSleep
	if interval <= 0 {
		interval = DefaultIdleSleep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.step() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step processes at most one frame. Returns false when there was nothing to do.
func (w *Worker) step() bool {
	w.mu.Lock()
	enabled := w.enabled
	if w.pending != nil {
		w.tracker.SelectSerial(*w.pending)
		w.pending = nil
	}
	for _, serial := range w.resets {
		w.tracker.ResetSerial(serial)
	}
	w.resets = nil
	w.mu.Unlock()

	if !enabled {
		return false
	}

	f, ok := w.slot.TryTake()
	if !ok {
		return false
	}
	defer f.Close()
	defer w.processed.Add(1)

	det, err := w.tracker.Process(f)
	switch {
	case err == nil:
		if !det.Initial && w.handler != nil {
			w.handler(det)
		}
	case errors.Is(err, ErrDetectionMiss), errors.Is(err, ErrAmbiguousTip):
		// Expected; retried on the next frame.
	default:
		w.logger.Printf("%s: detection error: %v", w.Camera(), err)
	}
	return true
}
