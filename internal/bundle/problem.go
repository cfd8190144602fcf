// Package bundle refines triangulated calibration points by minimising
// reprojection error over all camera observations (bundle adjustment).
package bundle

import (
	"fmt"

	"probe-calib/internal/calib"
	"probe-calib/internal/stereo"
	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
)

// Observation is one camera's pixel measurement of one point.
type Observation struct {
	Point  int
	Camera int
	Pixel  geometry.Point2D
}

// Problem is a bundle-adjustment problem built from correspondence rows.
type Problem struct {
	Cameras      []stereo.Camera
	Local        []r3.Vector // Unique local points
	Points       []r3.Vector // Initial global estimates, index-aligned with Local
	Fixed        []bool      // Points observed by fewer than two cameras
	Observations []Observation

	byPoint  [][]int
	byCamera [][]int
}

// BuildProblem groups rows by rounded local point. Each group becomes one
// unknown initialised at the mean observed global point; every view whose
// camera is in cameras becomes an observation.
func BuildProblem(cameras []stereo.Camera, rows []calib.Correspondence, minViews int) (*Problem, error) {
	if len(cameras) == 0 {
		return nil, fmt.Errorf("no cameras: %w", ErrInsufficientObservations)
	}
	camIndex := make(map[string]int, len(cameras))
	for i, c := range cameras {
		camIndex[c.Name] = i
	}

	p := &Problem{Cameras: cameras}
	pointIndex := make(map[r3.Vector]int)
	var sums []r3.Vector
	var counts []int

	for _, row := range rows {
		key := geometry.RoundVector(row.Local)
		idx, ok := pointIndex[key]
		if !ok {
			idx = len(p.Local)
			pointIndex[key] = idx
			p.Local = append(p.Local, row.Local)
			sums = append(sums, r3.Vector{})
			counts = append(counts, 0)
		}
		sums[idx] = sums[idx].Add(row.Global)
		counts[idx]++

		for _, v := range row.Views {
			ci, ok := camIndex[v.Name]
			if !ok {
				continue
			}
			p.Observations = append(p.Observations, Observation{Point: idx, Camera: ci, Pixel: v.Pixel})
		}
	}

	p.Points = make([]r3.Vector, len(p.Local))
	for i := range p.Points {
		p.Points[i] = sums[i].Mul(1 / float64(counts[i]))
	}

	p.index()

	// Points seen by too few distinct cameras are not constrained.
	p.Fixed = make([]bool, len(p.Points))
	free := 0
	for i, obs := range p.byPoint {
		seen := map[int]bool{}
		for _, o := range obs {
			seen[p.Observations[o].Camera] = true
		}
		p.Fixed[i] = len(seen) < minViews
		if !p.Fixed[i] {
			free++
		}
	}
	if free == 0 {
		return nil, fmt.Errorf("%d points, none seen by %d cameras: %w", len(p.Points), minViews, ErrInsufficientObservations)
	}
	return p, nil
}

func (p *Problem) index() {
	p.byPoint = make([][]int, len(p.Points))
	p.byCamera = make([][]int, len(p.Cameras))
	for i, o := range p.Observations {
		p.byPoint[o.Point] = append(p.byPoint[o.Point], i)
		p.byCamera[o.Camera] = append(p.byCamera[o.Camera], i)
	}
}

// FreePoints returns the number of points being optimised.
func (p *Problem) FreePoints() int {
	n := 0
	for _, f := range p.Fixed {
		if !f {
			n++
		}
	}
	return n
}

// Cost returns the summed squared reprojection error of the current estimates.
func (p *Problem) Cost() float64 {
	total := 0.0
	for _, o := range p.Observations {
		total += observationCost(&p.Cameras[o.Camera], p.Points[o.Point], o.Pixel)
	}
	return total
}

// behindPenalty is the cost of an observation whose point is behind the camera.
const behindPenalty = 1e8

func observationCost(c *stereo.Camera, x r3.Vector, px geometry.Point2D) float64 {
	q, ok := c.Project(x)
	if !ok {
		return behindPenalty
	}
	dx, dy := q.X-px.X, q.Y-px.Y
	return dx*dx + dy*dy
}
