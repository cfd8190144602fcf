package calib

import (
	"math"
	"sync"

	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
)

// stageState is the running calibration state of one stage. All fields are
// guarded by mu, which also serializes updates for the stage.
type stageState struct {
	mu sync.Mutex

	min, max r3.Vector
	seen     bool
	emitted  [3]bool

	fit      *Similarity
	prev     *geometry.Affine3D
	result   Result
	complete bool
}

func newStageState() *stageState {
	return &stageState{
		min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
}

// reset clears everything but keeps the lock.
func (s *stageState) reset() {
	fresh := newStageState()
	s.min, s.max = fresh.min, fresh.max
	s.seen = false
	s.emitted = [3]bool{}
	s.fit = nil
	s.prev = nil
	s.result = Result{}
	s.complete = false
}

func (s *stageState) extend(p r3.Vector) {
	s.seen = true
	s.min = r3.Vector{X: math.Min(s.min.X, p.X), Y: math.Min(s.min.Y, p.Y), Z: math.Min(s.min.Z, p.Z)}
	s.max = r3.Vector{X: math.Max(s.max.X, p.X), Y: math.Max(s.max.Y, p.Y), Z: math.Max(s.max.Z, p.Z)}
}

// spans returns max - min per axis, zero before any sample.
func (s *stageState) spans() r3.Vector {
	if !s.seen {
		return r3.Vector{}
	}
	return s.max.Sub(s.min)
}

func (s *stageState) span(a Axis) float64 {
	sp := s.spans()
	switch a {
	case AxisX:
		return sp.X
	case AxisY:
		return sp.Y
	}
	return sp.Z
}

func (s *stageState) rangeMet(a Axis, t Thresholds) bool {
	return s.span(a) > t.required(a)
}

func (s *stageState) rangesMet(t Thresholds) bool {
	return s.rangeMet(AxisX, t) && s.rangeMet(AxisY, t) && s.rangeMet(AxisZ, t)
}

// newlyMet marks and returns the axes whose range was crossed for the first time.
func (s *stageState) newlyMet(t Thresholds) []Axis {
	var axes []Axis
	for _, a := range []Axis{AxisX, AxisY, AxisZ} {
		if !s.emitted[a] && s.rangeMet(a, t) {
			s.emitted[a] = true
			axes = append(axes, a)
		}
	}
	return axes
}
