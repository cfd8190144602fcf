package bundle

import (
	"probe-calib/internal/stereo"

	"github.com/golang/geo/r3"
)

// solver maps a Problem onto a flat parameter vector: three coordinates per
// free point followed by six extrinsic increments per refined camera
// (rotation vector, translation).
type solver struct {
	p        *Problem
	settings Settings

	pointOffset  []int // -1 for fixed points
	cameraOffset []int // -1 for cameras that are not refined
	dim          int
}

func newSolver(p *Problem, settings Settings) *solver {
	s := &solver{
		p:            p,
		settings:     settings,
		pointOffset:  make([]int, len(p.Points)),
		cameraOffset: make([]int, len(p.Cameras)),
	}
	for i, fixed := range p.Fixed {
		s.pointOffset[i] = -1
		if !fixed {
			s.pointOffset[i] = s.dim
			s.dim += 3
		}
	}
	for j := range p.Cameras {
		s.cameraOffset[j] = -1
		if settings.RefineCameras && j > 0 && len(p.byCamera[j]) > 0 {
			s.cameraOffset[j] = s.dim
			s.dim += 6
		}
	}
	return s
}

func (s *solver) pack() []float64 {
	x := make([]float64, s.dim)
	for i, o := range s.pointOffset {
		if o < 0 {
			continue
		}
		pt := s.p.Points[i]
		x[o], x[o+1], x[o+2] = pt.X, pt.Y, pt.Z
	}
	return x
}

// unpack writes x back into the problem's points and cameras.
func (s *solver) unpack(x []float64) {
	for i := range s.p.Points {
		s.p.Points[i] = s.point(x, i)
	}
	cams := s.cameras(x)
	copy(s.p.Cameras, cams)
}

func (s *solver) point(x []float64, i int) r3.Vector {
	o := s.pointOffset[i]
	if o < 0 {
		return s.p.Points[i]
	}
	return r3.Vector{X: x[o], Y: x[o+1], Z: x[o+2]}
}

func (s *solver) camera(x []float64, j int) stereo.Camera {
	base := s.p.Cameras[j]
	o := s.cameraOffset[j]
	if o < 0 {
		return base
	}
	rot := stereo.Rodrigues(r3.Vector{X: x[o], Y: x[o+1], Z: x[o+2]})
	t := base.T.Add(r3.Vector{X: x[o+3], Y: x[o+4], Z: x[o+5]})
	return base.WithPose(rot.Mul(base.R), t)
}

func (s *solver) cameras(x []float64) []stereo.Camera {
	cams := make([]stereo.Camera, len(s.p.Cameras))
	for j := range cams {
		cams[j] = s.camera(x, j)
	}
	return cams
}

func (s *solver) cost(x []float64) float64 {
	cams := s.cameras(x)
	total := 0.0
	for _, o := range s.p.Observations {
		total += observationCost(&cams[o.Camera], s.point(x, o.Point), o.Pixel)
	}
	return total
}

// grad computes a central-difference gradient. Each parameter only touches
// the observations of its own point or camera.
func (s *solver) grad(grad, x []float64) {
	for i := range grad {
		grad[i] = 0
	}
	cams := s.cameras(x)

	for i, o := range s.pointOffset {
		if o < 0 {
			continue
		}
		pt := s.point(x, i)
		for k := 0; k < 3; k++ {
			h := s.settings.PointStep
			plus, minus := pt, pt
			switch k {
			case 0:
				plus.X += h
				minus.X -= h
			case 1:
				plus.Y += h
				minus.Y -= h
			case 2:
				plus.Z += h
				minus.Z -= h
			}
			var fp, fm float64
			for _, oi := range s.p.byPoint[i] {
				obs := s.p.Observations[oi]
				fp += observationCost(&cams[obs.Camera], plus, obs.Pixel)
				fm += observationCost(&cams[obs.Camera], minus, obs.Pixel)
			}
			grad[o+k] = (fp - fm) / (2 * h)
		}
	}

	xs := make([]float64, len(x))
	for j, o := range s.cameraOffset {
		if o < 0 {
			continue
		}
		for k := 0; k < 6; k++ {
			h := s.settings.TranslationStep
			if k < 3 {
				h = s.settings.RotationStep
			}
			copy(xs, x)
			xs[o+k] = x[o+k] + h
			plus := s.camera(xs, j)
			xs[o+k] = x[o+k] - h
			minus := s.camera(xs, j)

			var fp, fm float64
			for _, oi := range s.p.byCamera[j] {
				obs := s.p.Observations[oi]
				pt := s.point(x, obs.Point)
				fp += observationCost(&plus, pt, obs.Pixel)
				fm += observationCost(&minus, pt, obs.Pixel)
			}
			grad[o+k] = (fp - fm) / (2 * h)
		}
	}
}
