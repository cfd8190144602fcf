package calib

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"probe-calib/internal/stereo"
	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

// rotZ90 maps integer points to integer points, so rounding globals is exact.
var rotZ90 = geometry.Mat3{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}

// stagePath reaches every range threshold in order x, y, z.
var stagePath = []r3.Vector{
	{X: 0, Y: 0, Z: 100},
	{X: 100, Y: 0, Z: 100},
	{X: 0, Y: 100, Z: 100},
	{X: 2600, Y: 100, Z: 100},
	{X: 2600, Y: 2700, Z: 100},
	{X: 2600, Y: 2700, Z: 2200},
}

func sample(serial string, local r3.Vector, sim Similarity, ms int64) Correspondence {
	ts := time.UnixMilli(ms)
	return Correspondence{
		Serial:         serial,
		Local:          local,
		Global:         sim.Apply(local),
		LocalTimestamp: ts,
		CapturedAt:     ts,
		Views: [2]CameraView{
			{Name: "cam1", Pixel: geometry.Point2D{X: 10, Y: 20}},
			{Name: "cam0", Pixel: geometry.Point2D{X: 30, Y: 40}},
		},
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls map[string]int
	last  []r3.Vector
}

func (s *recordingSink) ExportInliers(_ context.Context, serial string, local, _ []r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[serial]++
	s.last = local
	return nil
}

type shiftRefiner struct {
	shift r3.Vector
	err   error
}

func (r shiftRefiner) Refine(_ context.Context, _ string, rows []Correspondence) (Refinement, error) {
	if r.err != nil {
		return Refinement{}, r.err
	}
	var out Refinement
	for _, row := range rows {
		out.Local = append(out.Local, row.Local)
		out.Global = append(out.Global, row.Global.Add(r.shift))
	}
	return out, nil
}

func TestAccumulator_ConvergesOnExactData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &recordingSink{}
	acc := NewAccumulator(store, DefaultThresholds(), quiet)
	acc.SetInlierSink(sink)

	sim := Similarity{R: rotZ90, T: r3.Vector{X: 1000, Y: -2000, Z: 500}, S: 1}

	var statuses []Status
	var last Outcome
	for i, p := range stagePath {
		out, err := acc.Update(ctx, sample("SN1", p, sim, int64(i)))
		require.NoError(t, err)
		statuses = append(statuses, out.Status)
		last = out
	}

	want := []Status{
		StatusInsufficientData, StatusInsufficientData,
		StatusFitted, StatusFitted, StatusFitted,
		StatusConverged,
	}
	assert.Equal(t, want, statuses)

	final := last.Events[len(last.Events)-1]
	require.Equal(t, EventConverged, final.Kind)
	require.NotNil(t, final.Result)
	assert.InDelta(t, 1, final.Result.Scale.X, 1e-9)
	assert.InDelta(t, 0, final.Result.Residual, 1e-6)
	assert.False(t, final.Result.Refined)

	expected := sim.Matrix()
	assert.True(t, final.Result.Matrix.AbsDiff(expected).WithinCells(DefaultThresholds().epsilon()))
	assert.Equal(t, 1, sink.calls["SN1"])

	// The stage stays complete until it is reset.
	out, err := acc.Update(ctx, sample("SN1", r3.Vector{X: 5, Y: 5, Z: 50}, sim, 99))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Empty(t, out.Events)

	acc.Reset("SN1")
	out, err = acc.Update(ctx, sample("SN1", r3.Vector{X: 5, Y: 5, Z: 50}, sim, 100))
	require.NoError(t, err)
	assert.Equal(t, StatusFitted, out.Status)
}

func TestAccumulator_ConvergesUnderNoise(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(NewMemoryStore(), DefaultThresholds(), quiet)

	truth := Similarity{
		R: stereo.Rodrigues(r3.Vector{Z: math.Pi / 6}),
		T: r3.Vector{X: 5000, Y: -2000, Z: 300},
		S: 1,
	}
	rng := rand.New(rand.NewSource(3))
	noise := func() float64 { return (rng.Float64()*2 - 1) * 2 }

	var final *Result
	for i := 0; i < 3000 && final == nil; i++ {
		local := r3.Vector{X: rng.Float64() * 3000, Y: rng.Float64() * 3000, Z: 10 + rng.Float64()*2500}
		c := sample("SN1", local, truth, int64(i))
		c.Global = c.Global.Add(r3.Vector{X: noise(), Y: noise(), Z: noise()})

		out, err := acc.Update(ctx, c)
		require.NoError(t, err)
		for _, ev := range out.Events {
			if ev.Kind == EventConverged {
				final = ev.Result
			}
		}
	}
	require.NotNil(t, final, "no convergence")

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, truth.R[i][j], final.Matrix[i][j], 1e-3)
		}
	}
	assert.InDelta(t, truth.T.X, final.Matrix[0][3], 10)
	assert.InDelta(t, truth.T.Y, final.Matrix[1][3], 10)
	assert.InDelta(t, truth.T.Z, final.Matrix[2][3], 10)
	assert.InDelta(t, truth.S, final.Scale.X, 1e-3)
	assert.LessOrEqual(t, final.Residual, DefaultThresholds().Residual)
}

func TestAccumulator_ExcludesOutlier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	// A negative residual limit keeps the stage from converging.
	acc := NewAccumulator(store, DefaultThresholds().WithResidual(-1), quiet)

	truth := Similarity{R: stereo.Rodrigues(r3.Vector{Z: 0.2}), T: r3.Vector{X: 300, Y: 400, Z: 500}, S: 1}
	rng := rand.New(rand.NewSource(11))

	// Extents start with the first fitted sample, so the extremes come after
	// three seed points.
	points := []r3.Vector{
		{X: 100, Y: 200, Z: 300}, {X: 200, Y: 100, Z: 400}, {X: 50, Y: 300, Z: 200},
		{X: 0, Y: 0, Z: 10}, {X: 3000, Y: 3000, Z: 2500}, {X: 3000, Y: 0, Z: 1200},
	}
	for i := 0; i < 34; i++ {
		points = append(points, r3.Vector{X: rng.Float64() * 3000, Y: rng.Float64() * 3000, Z: 10 + rng.Float64()*2490})
	}
	for i, p := range points {
		c := sample("SN1", p, truth, int64(i))
		c.Global = c.Global.Add(r3.Vector{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5})
		_, err := acc.Update(ctx, c)
		require.NoError(t, err)
	}
	before, _, err := acc.Snapshot("SN1")
	require.NoError(t, err)
	require.Equal(t, len(points), before.Points)

	bad := sample("SN1", r3.Vector{X: 1500, Y: 1500, Z: 1200}, truth, 1000)
	bad.Global = bad.Global.Add(r3.Vector{X: 200})
	out, err := acc.Update(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, StatusFitted, out.Status)

	after, _, err := acc.Snapshot("SN1")
	require.NoError(t, err)
	assert.Equal(t, len(points), after.Points, "outlier must not be part of the fit")
	assert.Greater(t, after.Residual, 150.0)
	assert.True(t, after.Matrix.AbsDiff(before.Matrix).WithinCells(geometry.Affine3D{
		{1e-6, 1e-6, 1e-6, 1e-3},
		{1e-6, 1e-6, 1e-6, 1e-3},
		{1e-6, 1e-6, 1e-6, 1e-3},
	}))

	rows, err := store.Query(ctx, "SN1")
	require.NoError(t, err)
	assert.Len(t, rows, len(points)+1, "the outlier is still logged")
}

func TestAccumulator_RejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acc := NewAccumulator(store, DefaultThresholds(), quiet)
	sim := Similarity{R: rotZ90, S: 1}

	c := sample("SN1", r3.Vector{X: 10, Y: 20, Z: 30}, sim, 5)
	out, err := acc.Update(ctx, c)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)

	// Sub-unit global jitter rounds to the same row.
	c.Global = c.Global.Add(r3.Vector{X: 0.2})
	out, err = acc.Update(ctx, c)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	rows, err := store.Query(ctx, "SN1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cam0", rows[0].Views[0].Name, "views are stored sorted by camera")

	// A different timestamp is a new sample.
	c.LocalTimestamp = c.LocalTimestamp.Add(time.Millisecond)
	out, err = acc.Update(ctx, c)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)

	rows, _ = store.Query(ctx, "SN1")
	assert.Len(t, rows, 2)
}

func TestAccumulator_RejectsLowZ(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acc := NewAccumulator(store, DefaultThresholds(), quiet)

	out, err := acc.Update(ctx, sample("SN1", r3.Vector{X: 100, Y: 100, Z: 5}, Similarity{R: rotZ90, S: 1}, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Empty(t, store.All())
}

func TestAccumulator_ClearIsPerStage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acc := NewAccumulator(store, DefaultThresholds(), quiet)
	sim := Similarity{R: rotZ90, S: 1}

	for i, p := range stagePath[:3] {
		_, err := acc.Update(ctx, sample("SN1", p, sim, int64(i)))
		require.NoError(t, err)
		_, err = acc.Update(ctx, sample("SN2", p, sim, int64(i)))
		require.NoError(t, err)
	}

	require.NoError(t, acc.Clear(ctx, "SN1"))

	rows1, _ := store.Query(ctx, "SN1")
	rows2, _ := store.Query(ctx, "SN2")
	assert.Empty(t, rows1)
	assert.Len(t, rows2, 3)

	r1, _, err := acc.Snapshot("SN1")
	require.NoError(t, err)
	assert.Zero(t, r1.Points)
	r2, _, err := acc.Snapshot("SN2")
	require.NoError(t, err)
	assert.Equal(t, 3, r2.Points)

	_, _, err = acc.Snapshot("SN9")
	assert.ErrorIs(t, err, ErrUnknownSerial)
}

func TestAccumulator_RefinementReplacesFit(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	acc := NewAccumulator(NewMemoryStore(), DefaultThresholds(), quiet)
	acc.SetInlierSink(sink)
	acc.SetRefiner(shiftRefiner{shift: r3.Vector{X: 5}})

	sim := Similarity{R: rotZ90, T: r3.Vector{X: 100}, S: 1}
	var final *Result
	for i, p := range stagePath {
		out, err := acc.Update(ctx, sample("SN1", p, sim, int64(i)))
		require.NoError(t, err)
		for _, ev := range out.Events {
			if ev.Kind == EventConverged {
				final = ev.Result
			}
		}
	}
	require.NotNil(t, final)
	assert.True(t, final.Refined)
	assert.InDelta(t, 105, final.Matrix[0][3], 1e-6)
	assert.Equal(t, 2, sink.calls["SN1"], "inliers exported before and after refinement")
}

func TestAccumulator_RefinementFailureKeepsLinearFit(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(NewMemoryStore(), DefaultThresholds(), quiet)
	acc.SetRefiner(shiftRefiner{err: errors.New("did not converge")})

	sim := Similarity{R: rotZ90, T: r3.Vector{X: 100}, S: 1}
	var final *Result
	for i, p := range stagePath {
		out, err := acc.Update(ctx, sample("SN1", p, sim, int64(i)))
		require.NoError(t, err)
		for _, ev := range out.Events {
			if ev.Kind == EventConverged {
				final = ev.Result
			}
		}
	}
	require.NotNil(t, final)
	assert.False(t, final.Refined)
	assert.InDelta(t, 100, final.Matrix[0][3], 1e-6)
}

// eventKey is the comparable part of an event.
type eventKey struct {
	Kind EventKind
	Axis Axis
}

func TestAccumulator_EventOrderAcrossStages(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(NewMemoryStore(), DefaultThresholds(), quiet)

	sims := map[string]Similarity{
		"SN1": {R: rotZ90, T: r3.Vector{X: 1000}, S: 1},
		"SN2": {R: rotZ90.T(), T: r3.Vector{Y: -500, Z: 20}, S: 2},
		"SN3": {R: geometry.Identity3(), T: r3.Vector{X: 7, Y: 8, Z: 9}, S: 1},
	}
	serials := []string{"SN1", "SN2", "SN3"}

	got := map[string][]eventKey{}
	for i, p := range stagePath {
		for _, sn := range serials {
			out, err := acc.Update(ctx, sample(sn, p, sims[sn], int64(i)))
			require.NoError(t, err)
			for _, ev := range out.Events {
				require.Equal(t, sn, ev.Serial)
				if ev.Kind == EventProgress {
					continue
				}
				got[sn] = append(got[sn], eventKey{Kind: ev.Kind, Axis: ev.Axis})
			}
		}
	}

	want := []eventKey{
		{Kind: EventAxisComplete, Axis: AxisX},
		{Kind: EventAxisComplete, Axis: AxisY},
		{Kind: EventAxisComplete, Axis: AxisZ},
		{Kind: EventConverged},
	}
	for _, sn := range serials {
		if diff := cmp.Diff(want, got[sn]); diff != "" {
			t.Errorf("%s events mismatch (-want +got):\n%s", sn, diff)
		}
	}
}

func TestAccumulator_ConcurrentSerials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acc := NewAccumulator(store, DefaultThresholds(), quiet)
	sim := Similarity{R: rotZ90, S: 1}

	var wg sync.WaitGroup
	for _, sn := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sn string) {
			defer wg.Done()
			for i, p := range stagePath {
				_, err := acc.Update(ctx, sample(sn, p, sim, int64(i)))
				assert.NoError(t, err)
			}
		}(sn)
	}
	wg.Wait()

	for _, sn := range []string{"A", "B", "C", "D"} {
		res, complete, err := acc.Snapshot(sn)
		require.NoError(t, err)
		assert.True(t, complete, sn)
		assert.Equal(t, len(stagePath), res.Points)
	}
	assert.Len(t, store.All(), 4*len(stagePath))
}
