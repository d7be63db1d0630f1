package tdoa

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gunshot.report/internal/geo"
)

// receivers places n receivers around source at the given ranges and
// returns their positions and noise-free arrival times.
func receivers(source geo.Position, t0 int64, ranges, bearings, elevations []float64) ([]geo.Position, []int64) {
	positions := make([]geo.Position, len(ranges))
	timestamps := make([]int64, len(ranges))
	for i := range ranges {
		positions[i] = source.Shift(ranges[i], bearings[i], elevations[i])
		delay := geo.Distance(source, positions[i]) / SpeedOfSound
		timestamps[i] = t0 + int64(math.Round(delay))
	}
	return positions, timestamps
}

// The geometries below spread receivers in bearing and elevation. Random
// near-coplanar sets of four can converge on a second exact fit instead.
func TestSolve_NoiseFreeRoundTrip(t *testing.T) {
	source := geo.Position{Latitude: 57.70887, Longitude: 11.97456, Altitude: 15}
	const t0 = int64(1_700_000_000_000)

	tests := []struct {
		name       string
		ranges     []float64
		bearings   []float64
		elevations []float64
	}{
		{
			name:       "four receivers",
			ranges:     []float64{120, 200, 310, 260},
			bearings:   []float64{10, 100, 200, 290},
			elevations: []float64{2, -3, 5, -1},
		},
		{
			name:       "six receivers",
			ranges:     []float64{80, 450, 150, 330, 90, 400},
			bearings:   []float64{0, 60, 120, 180, 240, 300},
			elevations: []float64{-5, 4, 1, -2, 8, 3},
		},
		{
			name:       "elevated source",
			ranges:     []float64{300, 350, 400, 320, 380},
			bearings:   []float64{20, 110, 170, 250, 330},
			elevations: []float64{-8, -6, -9, -5, -7},
		},
	}

	solver := NewSolver(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions, timestamps := receivers(source, t0, tt.ranges, tt.bearings, tt.elevations)

			est, err := solver.Solve(positions, timestamps)
			require.NoError(t, err)
			require.NotNil(t, est, "expected a determinate solution")

			// Arrival times are rounded to whole milliseconds, which is
			// up to ~0.17 m of range error per receiver.
			assert.Less(t, geo.Distance(source, est.Position), 2.0)
			assert.InDelta(t, t0, est.TimestampMs, 3)
			assert.Equal(t, len(positions), est.Receivers)
			assert.Less(t, est.Objective, 1.0)
		})
	}
}

func TestSolve_TooFewReceivers(t *testing.T) {
	solver := NewSolver(DefaultConfig())
	p := geo.Position{Latitude: 10, Longitude: 10}

	est, err := solver.Solve(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, est)

	est, err = solver.Solve([]geo.Position{p, p.Shift(100, 90, 0)}, []int64{0, 100})
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestSolve_MismatchedInputs(t *testing.T) {
	solver := NewSolver(DefaultConfig())
	p := geo.Position{Latitude: 10, Longitude: 10}

	_, err := solver.Solve([]geo.Position{p, p, p}, []int64{1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMismatchedInputs))
}

func TestSolve_RejectsLargeResidual(t *testing.T) {
	// Arrival times that no single source can explain: two receivers close
	// together disagree by two seconds.
	base := geo.Position{Latitude: 45, Longitude: 7}
	positions := []geo.Position{
		base,
		base.Shift(20, 90, 0),
		base.Shift(20, 180, 0),
		base.Shift(20, 270, 0),
	}
	timestamps := []int64{0, 2000, 0, 2000}

	est, err := NewSolver(DefaultConfig()).Solve(positions, timestamps)
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestSolve_RejectsDistantSource(t *testing.T) {
	source := geo.Position{Latitude: 45, Longitude: 7}
	const t0 = int64(5_000)
	positions, timestamps := receivers(source, t0,
		[]float64{800, 850, 900, 880},
		[]float64{0, 90, 180, 270},
		[]float64{0, 0, 0, 0},
	)

	// The true source is within 900 m of every receiver, so tightening
	// the limit must flip the answer to indeterminate.
	cfg := DefaultConfig()
	loose, err := NewSolver(cfg).Solve(positions, timestamps)
	require.NoError(t, err)
	require.NotNil(t, loose)

	cfg.MaxDistance = 500
	tight, err := NewSolver(cfg).Solve(positions, timestamps)
	require.NoError(t, err)
	assert.Nil(t, tight)
}

func TestNewSolver_Defaults(t *testing.T) {
	s := NewSolver(Config{})
	assert.Equal(t, DefaultConfig().MaxObjective, s.Config().MaxObjective)
	assert.Equal(t, DefaultConfig().MaxDistance, s.Config().MaxDistance)
	assert.Equal(t, DefaultConfig().MaxIterations, s.Config().MaxIterations)
	assert.Equal(t, DefaultConfig().Passes, s.Config().Passes)
	assert.Equal(t, 0.0, NewSolver(Config{ThreeReceiverPenalty: -1}).Config().ThreeReceiverPenalty)
}

func TestResiduals(t *testing.T) {
	source := geo.Position{Latitude: 0, Longitude: 0}
	positions, timestamps := receivers(source, 0,
		[]float64{343, 686}, []float64{0, 90}, []float64{0, 0})

	res := Residuals(positions, timestamps, source, 0)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.InDelta(t, 0, r, 0.2)
	}
}

// TestSolve_NoisyReceivers checks the statistical accuracy: GPS error up to
// 15 m, timing error up to 100 ms, eight receivers within 500 m.
func TestSolve_NoisyReceivers(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical simulation")
	}
	rng := rand.New(rand.NewPCG(42, 7))
	solver := NewSolver(DefaultConfig())

	const runs = 30
	var errs []float64
	for run := 0; run < runs; run++ {
		source := geo.Position{
			Latitude:  57.6 + rng.Float64()*0.15,
			Longitude: 11.9 + rng.Float64()*0.25,
		}
		const t0 = int64(1_000_000)

		positions := make([]geo.Position, 8)
		timestamps := make([]int64, 8)
		for i := range positions {
			truth := source.Shift(50+rng.Float64()*450, rng.Float64()*360, rng.Float64()*20-10)
			delay := geo.Distance(source, truth) / SpeedOfSound
			positions[i] = truth.Shift(rng.Float64()*15, rng.Float64()*360, rng.Float64()*20-10)
			timestamps[i] = t0 + int64(delay) + rng.Int64N(100)
		}

		est, err := solver.Solve(positions, timestamps)
		require.NoError(t, err)
		if est == nil {
			continue
		}
		errs = append(errs, geo.Distance(source, est.Position))
	}

	require.GreaterOrEqual(t, len(errs), runs*2/3, "too many indeterminate solves")
	sort.Float64s(errs)
	median := errs[len(errs)/2]
	assert.Less(t, median, 60.0, "median position error %.1f m", median)
}
