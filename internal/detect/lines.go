package detect

import (
	"math"

	"probe-calib/pkg/geometry"

	"gocv.io/x/gocv"
)

// segment is a Hough line segment in image coordinates.
type segment struct {
	A, B geometry.Point2D
}

func (s segment) length() float64 {
	return s.A.Distance(s.B)
}

// angle returns the undirected segment angle in [0, pi).
func (s segment) angle() float64 {
	a := math.Atan2(s.B.Y-s.A.Y, s.B.X-s.A.X)
	if a < 0 {
		a += math.Pi
	}
	if a >= math.Pi {
		a -= math.Pi
	}
	return a
}

func (s segment) midpoint() geometry.Point2D {
	return geometry.Point2D{X: (s.A.X + s.B.X) / 2, Y: (s.A.Y + s.B.Y) / 2}
}

// distanceToLine returns the perpendicular distance of p to the infinite line through s.
func (s segment) distanceToLine(p geometry.Point2D) float64 {
	dx, dy := s.B.X-s.A.X, s.B.Y-s.A.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return p.Distance(s.A)
	}
	return math.Abs(dy*(p.X-s.A.X)-dx*(p.Y-s.A.Y)) / l
}

// houghSegments runs the probabilistic Hough transform on a binary image and
// returns segments shifted by offset.
func houghSegments(binary gocv.Mat, params Params, minLength float64, offset geometry.Point2D) []segment {
	lines := gocv.NewMat()
	defer lines.Close()

	gocv.HoughLinesPWithParams(binary, &lines,
		float32(params.HoughRho),
		float32(params.HoughThetaDeg*math.Pi/180),
		params.HoughThreshold,
		float32(minLength),
		float32(params.HoughMaxGap))

	if lines.Empty() {
		return nil
	}

	segs := make([]segment, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		v := lines.GetVeciAt(i, 0)
		if len(v) < 4 {
			continue
		}
		segs = append(segs, segment{
			A: geometry.Point2D{X: float64(v[0]), Y: float64(v[1])}.Add(offset),
			B: geometry.Point2D{X: float64(v[2]), Y: float64(v[3])}.Add(offset),
		})
	}
	return segs
}

// mergeSegments fits one line through the dominant segment and every segment
// collinear with it, and returns the two extreme ends along that line.
func mergeSegments(segs []segment, params Params) (geometry.Point2D, geometry.Point2D, bool) {
	if len(segs) == 0 {
		return geometry.Point2D{}, geometry.Point2D{}, false
	}

	// Step 1: the longest segment defines the probe axis
	dominant := segs[0]
	for _, s := range segs[1:] {
		if s.length() > dominant.length() {
			dominant = s
		}
	}

	// Step 2: collect endpoints of segments lying along that axis
	tol := params.MergeAngleDeg * math.Pi / 180
	refAngle := dominant.angle()
	var pts []geometry.Point2D
	for _, s := range segs {
		da := math.Abs(s.angle() - refAngle)
		if da > math.Pi/2 {
			da = math.Pi - da
		}
		if da > tol || dominant.distanceToLine(s.midpoint()) > params.MergeDistance {
			continue
		}
		pts = append(pts, s.A, s.B)
	}

	// Step 3: principal axis of the endpoints and extreme projections on it
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var sxx, syy, sxy float64
	for _, p := range pts {
		dx, dy := p.X-cx, p.Y-cy
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	theta := 0.5 * math.Atan2(2*sxy, sxx-syy)
	ux, uy := math.Cos(theta), math.Sin(theta)

	tMin, tMax := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		t := (p.X-cx)*ux + (p.Y-cy)*uy
		tMin = math.Min(tMin, t)
		tMax = math.Max(tMax, t)
	}
	if tMax-tMin <= 0 {
		return geometry.Point2D{}, geometry.Point2D{}, false
	}

	e1 := geometry.Point2D{X: cx + tMin*ux, Y: cy + tMin*uy}
	e2 := geometry.Point2D{X: cx + tMax*ux, Y: cy + tMax*uy}
	return e1, e2, true
}

// borderDistance is the distance from p to the nearest edge of a w x h image.
func borderDistance(p geometry.Point2D, w, h int) float64 {
	return math.Min(math.Min(p.X, p.Y), math.Min(float64(w-1)-p.X, float64(h-1)-p.Y))
}
