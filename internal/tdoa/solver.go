// Package tdoa estimates where and when an acoustic event was emitted from
// the positions and arrival times reported by independent receivers.
//
// The source is the 4-vector (latitude, longitude, altitude, t0). For each
// receiver i the residual is
//
//	e_i = distance(receiver_i, source) - SpeedOfSound * (t_i - t0)
//
// and the solver minimises the sum of squared residuals with Nelder-Mead,
// which needs no gradient and tolerates the non-smooth distance function.
// The search is seeded at the receivers' midpoint and the earliest arrival.
//
// The problem is non-convex. Near-collinear receivers, or exactly three of
// them, can leave the search in a local minimum; the acceptance checks
// reject the obviously wrong answers but no global optimality is claimed.
// An exactly determined set (four receivers) or a near-coplanar one, which
// phones at street level usually are, can also have a second exact fit,
// mostly displaced in altitude, that passes both checks. Five or six
// receivers still occasionally land in a real local minimum; eight or more
// rarely do.
package tdoa

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
)

// SpeedOfSound is in metres per millisecond.
const SpeedOfSound = 343.0 / 1000

// MinReceivers is the smallest receiver count the solver will attempt.
const MinReceivers = 3

var ErrMismatchedInputs = errors.New("positions and timestamps differ in length")

// Config bounds the search and its acceptance.
type Config struct {
	// MaxObjective rejects solutions whose summed squared residual
	// (metres²) exceeds it.
	MaxObjective float64
	// MaxDistance rejects solutions farther than this (metres) from any
	// contributing receiver.
	MaxDistance float64
	// MaxIterations caps the Nelder-Mead iterations of each pass.
	MaxIterations int
	// Passes is the number of restarts, each from the previous best with a
	// smaller initial simplex.
	Passes int
	// InitialSimplex is the edge length in metres of the first simplex.
	InitialSimplex float64
	// ThreeReceiverPenalty weights the summed receiver distances into the
	// objective when exactly three receivers contribute. Three arrival times
	// only pin the source to a curve; the term pulls it towards the
	// receivers.
	ThreeReceiverPenalty float64
}

// DefaultConfig returns the production acceptance thresholds.
func DefaultConfig() Config {
	return Config{
		MaxObjective:         10000,
		MaxDistance:          1000,
		MaxIterations:        2000,
		Passes:               3,
		InitialSimplex:       50,
		ThreeReceiverPenalty: 0.001,
	}
}

// Estimate is an accepted solution.
type Estimate struct {
	Position    geo.Position
	TimestampMs int64
	Objective   float64
	Receivers   int
}

// Solver runs bounded Nelder-Mead searches. It holds no mutable state and
// is safe for concurrent use.
type Solver struct {
	cfg Config
}

// NewSolver returns a Solver, filling unset fields from DefaultConfig.
func NewSolver(cfg Config) *Solver {
	def := DefaultConfig()
	if cfg.MaxObjective <= 0 {
		cfg.MaxObjective = def.MaxObjective
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = def.MaxDistance
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Passes <= 0 {
		cfg.Passes = def.Passes
	}
	if cfg.InitialSimplex <= 0 {
		cfg.InitialSimplex = def.InitialSimplex
	}
	if cfg.ThreeReceiverPenalty < 0 {
		cfg.ThreeReceiverPenalty = 0
	}
	return &Solver{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Solver) Config() Config { return s.cfg }

// Solve estimates the emission position and time. A nil Estimate with a
// nil error means the solve was indeterminate: too few receivers, a
// residual too large to trust, or a source implausibly far from a
// receiver. Only malformed input returns an error.
func (s *Solver) Solve(positions []geo.Position, timestampsMs []int64) (*Estimate, error) {
	if len(positions) != len(timestampsMs) {
		return nil, fmt.Errorf("%w: %d positions, %d timestamps",
			ErrMismatchedInputs, len(positions), len(timestampsMs))
	}
	n := len(positions)
	if n < MinReceivers {
		return nil, nil
	}

	p := newProblem(positions, timestampsMs)
	if n == 3 {
		p.penalty = s.cfg.ThreeReceiverPenalty
	}

	// x = (north m, east m, up m, sound travel m since earliest arrival),
	// relative to the receivers' midpoint. Keeping all four coordinates in
	// metres gives the simplex a sensible shape.
	x := make([]float64, 4)
	best := p.objective(x)
	size := s.cfg.InitialSimplex
	for pass := 0; pass < s.cfg.Passes; pass++ {
		result, err := optimize.Minimize(
			optimize.Problem{Func: p.objective},
			x,
			&optimize.Settings{
				MajorIterations: s.cfg.MaxIterations,
				FuncEvaluations: 4 * s.cfg.MaxIterations,
				Converger: &optimize.FunctionConverge{
					Absolute:   1e-10,
					Relative:   1e-12,
					Iterations: 50,
				},
			},
			&optimize.NelderMead{SimplexSize: size},
		)
		// Hitting an iteration limit still leaves a usable best point, so
		// err only matters when nothing came back.
		if result == nil {
			if err != nil {
				monitoring.Logf("[tdoa] pass %d failed: %v", pass, err)
			}
			break
		}
		if result.F < best {
			best = result.F
			copy(x, result.X)
		}
		size /= 10
	}

	source, t0 := p.unpack(x)
	if best > s.cfg.MaxObjective {
		return nil, nil
	}
	for _, pos := range positions {
		if geo.Distance(pos, source) > s.cfg.MaxDistance {
			return nil, nil
		}
	}

	return &Estimate{
		Position:    source,
		TimestampMs: int64(math.Round(t0)),
		Objective:   best,
		Receivers:   n,
	}, nil
}

// Residuals returns e_i for a candidate source, in receiver order.
func Residuals(positions []geo.Position, timestampsMs []int64, source geo.Position, t0 float64) []float64 {
	out := make([]float64, len(positions))
	for i, pos := range positions {
		out[i] = geo.Distance(pos, source) - SpeedOfSound*(float64(timestampsMs[i])-t0)
	}
	return out
}

// problem carries the receiver set in the solver's local frame.
type problem struct {
	positions []geo.Position
	// arrival times relative to the earliest one, in ms
	relative []float64
	earliest int64
	origin   geo.Position
	cosLat   float64
	penalty  float64
}

func newProblem(positions []geo.Position, timestampsMs []int64) *problem {
	earliest := timestampsMs[0]
	for _, ts := range timestampsMs[1:] {
		if ts < earliest {
			earliest = ts
		}
	}
	relative := make([]float64, len(timestampsMs))
	for i, ts := range timestampsMs {
		relative[i] = float64(ts - earliest)
	}
	origin := geo.Midpoint(positions)
	return &problem{
		positions: positions,
		relative:  relative,
		earliest:  earliest,
		origin:    origin,
		cosLat:    math.Max(math.Cos(origin.Latitude*math.Pi/180), 1e-6),
	}
}

// unpack maps a search vector to a bounded position and absolute t0 (ms).
func (p *problem) unpack(x []float64) (geo.Position, float64) {
	lat := p.origin.Latitude + x[0]/geo.EarthRadius*180/math.Pi
	lon := p.origin.Longitude + x[1]/(geo.EarthRadius*p.cosLat)*180/math.Pi
	pos := geo.Position{
		Latitude:  geo.ClampLatitude(lat),
		Longitude: geo.ClampLongitude(lon),
		Altitude:  p.origin.Altitude + x[2],
	}
	t0 := float64(p.earliest) + x[3]/SpeedOfSound
	return pos, t0
}

func (p *problem) objective(x []float64) float64 {
	source, _ := p.unpack(x)
	dists := make([]float64, len(p.positions))
	sum := 0.0
	for i, pos := range p.positions {
		dists[i] = geo.Distance(pos, source)
		// SpeedOfSound*(t_i - t0) with t0 = earliest + x[3]/SpeedOfSound
		e := dists[i] - (SpeedOfSound*p.relative[i] - x[3])
		sum += e * e
	}
	if p.penalty > 0 {
		sum += p.penalty * floats.Sum(dists)
	}
	return sum
}
