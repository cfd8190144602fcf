package calib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
)

// Accumulator maintains a running local-to-global fit per stage serial and
// decides when a stage is calibrated. Updates for one serial are serialized;
// different serials proceed concurrently.
type Accumulator struct {
	store      Store
	thresholds Thresholds
	logger     *log.Logger

	sink    InlierSink
	refiner Refiner

	mu     sync.Mutex
	stages map[string]*stageState
}

// NewAccumulator creates an accumulator on top of store. A nil logger uses log.Default().
func NewAccumulator(store Store, thresholds Thresholds, logger *log.Logger) *Accumulator {
	if logger == nil {
		logger = log.Default()
	}
	return &Accumulator{
		store:      store,
		thresholds: thresholds,
		logger:     logger,
		stages:     make(map[string]*stageState),
	}
}

// SetInlierSink sets where converged inlier sets are exported. Call before Update.
func (a *Accumulator) SetInlierSink(sink InlierSink) {
	a.sink = sink
}

// SetRefiner enables refinement of converged fits. Call before Update.
func (a *Accumulator) SetRefiner(r Refiner) {
	a.refiner = r
}

// Thresholds returns the active thresholds.
func (a *Accumulator) Thresholds() Thresholds {
	return a.thresholds
}

func (a *Accumulator) stage(serial string) *stageState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stages[serial]
	if !ok {
		st = newStageState()
		a.stages[serial] = st
	}
	return st
}

// Update feeds one correspondence through the calibration cycle. The global
// point is rounded to whole units before it is stored. Recoverable
// conditions are reported through Outcome.Status; errors come only from the
// store.
func (a *Accumulator) Update(ctx context.Context, c Correspondence) (Outcome, error) {
	st := a.stage(c.Serial)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.complete {
		return Outcome{Status: StatusComplete}, nil
	}

	// Step 1: near-zero height samples are noise
	if c.Local.Z < a.thresholds.MinLocalZ {
		return Outcome{Status: StatusRejected}, nil
	}

	// Step 2: append unless it duplicates a row of the trailing timestamp group
	c.Global = geometry.RoundVector(c.Global)
	c.SortViews()

	rows, err := a.store.Query(ctx, c.Serial)
	if err != nil {
		return Outcome{}, fmt.Errorf("query %s: %w", c.Serial, err)
	}
	out := Outcome{Duplicate: isDuplicate(rows, c)}
	if !out.Duplicate {
		if err := a.store.Append(ctx, c); err != nil {
			return Outcome{}, fmt.Errorf("append %s: %w", c.Serial, err)
		}
		rows = append(rows, c)
	}

	// Step 3: robust fit, filtering with the previous fit once ranges are met
	local, global := split(rows)
	if st.fit != nil && st.rangesMet(a.thresholds) && len(local) > a.thresholds.MinOutlierRows {
		local, global = a.inliers(*st.fit, local, global)
	}

	// Step 4: too few rows leaves the previous fit in place
	fit, err := FitSimilarity(local, global)
	if errors.Is(err, ErrInsufficientData) {
		out.Status = StatusInsufficientData
		return out, nil
	}
	if err != nil {
		out.Status = StatusInsufficientData
		a.logger.Printf("calib %s: fit failed: %v", c.Serial, err)
		return out, nil
	}
	st.fit = &fit

	// Step 5: extents and one-shot axis notifications
	st.extend(c.Local)
	for _, axis := range st.newlyMet(a.thresholds) {
		out.Events = append(out.Events, Event{Kind: EventAxisComplete, Serial: c.Serial, Axis: axis})
	}

	// Step 6: residual of the latest sample
	residual := fit.Apply(c.Local).Sub(c.Global).Norm()
	st.result = a.result(c.Serial, fit, residual, local, global, st)
	progress := st.result
	out.Events = append(out.Events, Event{Kind: EventProgress, Serial: c.Serial, Result: &progress})

	// Step 7: convergence
	m := fit.Matrix()
	stable := st.prev != nil && m.AbsDiff(*st.prev).WithinCells(a.thresholds.epsilon())
	if !st.rangesMet(a.thresholds) || !stable || residual > a.thresholds.Residual {
		st.prev = &m
		out.Status = StatusFitted
		return out, nil
	}

	// Step 8: export inliers, optionally refine, and finish the stage
	final := a.converge(ctx, c, fit, residual, rows, st)
	st.complete = true
	out.Status = StatusConverged
	out.Events = append(out.Events, Event{Kind: EventConverged, Serial: c.Serial, Result: &final})
	return out, nil
}

// converge produces the final result for a stage whose fit has stabilized.
func (a *Accumulator) converge(ctx context.Context, c Correspondence, fit Similarity, residual float64, rows []Correspondence, st *stageState) Result {
	var inlierRows []Correspondence
	for _, r := range rows {
		if fit.Apply(r.Local).Sub(r.Global).Norm() <= a.thresholds.Outlier {
			inlierRows = append(inlierRows, r)
		}
	}
	local, global := split(inlierRows)
	a.export(ctx, c.Serial, local, global)

	if a.refiner == nil {
		a.logger.Printf("calib %s: converged with %d inliers, residual %.2f", c.Serial, len(inlierRows), residual)
		return st.result
	}

	ref, err := a.refiner.Refine(ctx, c.Serial, inlierRows)
	if err != nil {
		a.logger.Printf("calib %s: refinement failed, keeping linear fit: %v", c.Serial, err)
		return st.result
	}
	refined, err := FitSimilarity(ref.Local, ref.Global)
	if err != nil {
		a.logger.Printf("calib %s: refit after refinement failed, keeping linear fit: %v", c.Serial, err)
		return st.result
	}

	a.export(ctx, c.Serial, ref.Local, ref.Global)
	st.fit = &refined
	res := a.result(c.Serial, refined, refined.Apply(c.Local).Sub(c.Global).Norm(), ref.Local, ref.Global, st)
	res.Refined = true
	st.result = res
	a.logger.Printf("calib %s: converged after refinement with %d points, residual %.2f", c.Serial, len(ref.Local), res.Residual)
	return res
}

func (a *Accumulator) export(ctx context.Context, serial string, local, global []r3.Vector) {
	if a.sink == nil {
		return
	}
	if err := a.sink.ExportInliers(ctx, serial, local, global); err != nil {
		a.logger.Printf("calib %s: inlier export failed: %v", serial, err)
	}
}

func (a *Accumulator) inliers(fit Similarity, local, global []r3.Vector) ([]r3.Vector, []r3.Vector) {
	var l, g []r3.Vector
	for i, r := range fit.Residuals(local, global) {
		if r <= a.thresholds.Outlier {
			l = append(l, local[i])
			g = append(g, global[i])
		}
	}
	return l, g
}

func (a *Accumulator) result(serial string, fit Similarity, residual float64, local, global []r3.Vector, st *stageState) Result {
	mean, std := stat.MeanStdDev(fit.Residuals(local, global), nil)
	return Result{
		Serial:       serial,
		Matrix:       fit.Matrix(),
		Scale:        fit.Scale(),
		Residual:     residual,
		MeanResidual: mean,
		StdResidual:  std,
		Ranges:       st.spans(),
		Points:       len(local),
	}
}

// Snapshot returns the latest fit for serial.
func (a *Accumulator) Snapshot(serial string) (Result, bool, error) {
	a.mu.Lock()
	st, ok := a.stages[serial]
	a.mu.Unlock()
	if !ok {
		return Result{}, false, fmt.Errorf("%s: %w", serial, ErrUnknownSerial)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result, st.complete, nil
}

// Reset clears the running state of serial (extents, notifications, previous
// fit, completion) but keeps its correspondence rows.
func (a *Accumulator) Reset(serial string) {
	st := a.stage(serial)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reset()
}

// Clear removes the correspondence rows of serial and resets its state.
// Other stages are not touched.
func (a *Accumulator) Clear(ctx context.Context, serial string) error {
	st := a.stage(serial)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.store.Overwrite(ctx, serial, nil); err != nil {
		return fmt.Errorf("clear %s: %w", serial, err)
	}
	st.reset()
	return nil
}

// isDuplicate scans rows backwards through the trailing group sharing the
// sample's local timestamp.
func isDuplicate(rows []Correspondence, c Correspondence) bool {
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].LocalTimestamp.Equal(c.LocalTimestamp) {
			return false
		}
		if rows[i].sameSample(c) {
			return true
		}
	}
	return false
}

func split(rows []Correspondence) ([]r3.Vector, []r3.Vector) {
	local := make([]r3.Vector, len(rows))
	global := make([]r3.Vector, len(rows))
	for i, r := range rows {
		local[i] = r.Local
		global[i] = r.Global
	}
	return local, global
}
