// Package simulate measures localisation accuracy. It fires synthetic shots
// at a random source, lets a fleet of virtual phones hear them with
// realistic GPS and clock noise, and compares the solved origin with the
// true one.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

var logf = monitoring.Component("simulate")

// Box bounds the random source position, in degrees.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

var (
	// Scandinavia is the default search area.
	Scandinavia = Box{MinLat: 54, MaxLat: 69, MinLon: 10, MaxLon: 26}
	// LocalCity is a city-sized box around Gothenburg.
	LocalCity = Box{MinLat: 57.624, MaxLat: 57.775, MinLon: 11.89, MaxLon: 12.165}
)

// Config describes the scenarios to generate.
type Config struct {
	Box Box
	// Clients is the number of phones per scenario.
	Clients int
	// MinDistance and MaxDistance bound each phone's distance to the
	// source, in metres.
	MinDistance, MaxDistance float64
	// MaxElevation bounds the angle (degrees) between a phone and the
	// source's horizontal plane.
	MaxElevation float64
	// MaxPositionError is the largest GPS error in metres.
	MaxPositionError float64
	// MaxTimestampErrorMs is the largest clock error added to an arrival.
	MaxTimestampErrorMs int64
	// HeardProbability is the chance a phone hears a follow-up shot. The
	// first shot is always heard.
	HeardProbability float64
	// MaxShots bounds the shots per scenario; each scenario fires between
	// one and MaxShots.
	MaxShots int
	// Weapon is the reported weapon type.
	Weapon string
}

// DefaultConfig matches the field conditions the engine is tuned for.
func DefaultConfig() Config {
	return Config{
		Box:                 Scandinavia,
		Clients:             8,
		MinDistance:         50,
		MaxDistance:         500,
		MaxElevation:        10,
		MaxPositionError:    15,
		MaxTimestampErrorMs: 100,
		HeardProbability:    0.9,
		MaxShots:            8,
		Weapon:              "AK-47",
	}
}

// Validate rejects configurations that cannot produce a scenario.
func (c Config) Validate() error {
	switch {
	case c.Clients < 1:
		return fmt.Errorf("clients must be positive, got %d", c.Clients)
	case c.MinDistance < 0 || c.MaxDistance < c.MinDistance:
		return fmt.Errorf("invalid client distance range [%g, %g]", c.MinDistance, c.MaxDistance)
	case c.MaxPositionError < 0:
		return fmt.Errorf("max position error must not be negative, got %g", c.MaxPositionError)
	case c.MaxTimestampErrorMs < 0:
		return fmt.Errorf("max timestamp error must not be negative, got %d", c.MaxTimestampErrorMs)
	case c.HeardProbability < 0 || c.HeardProbability > 1:
		return fmt.Errorf("heard probability must be in [0, 1], got %g", c.HeardProbability)
	case c.MaxShots < 1:
		return fmt.Errorf("max shots must be positive, got %d", c.MaxShots)
	case c.Box.MinLat > c.Box.MaxLat || c.Box.MinLon > c.Box.MaxLon:
		return errors.New("invalid bounding box")
	case c.Weapon == "":
		return errors.New("weapon is required")
	}
	return nil
}

// Phone is one virtual client.
type Phone struct {
	// True is where the phone is; GPS is where it thinks it is.
	True, GPS geo.Position
	// DelayMs is the sound's travel time from the source.
	DelayMs int64
}

// Sighting is a report a phone would send.
type Sighting struct {
	Shot        int
	Phone       int
	Position    geo.Position
	TimestampMs int64
	Weapon      string
}

// Scenario is one source heard by a fleet of phones.
type Scenario struct {
	Source  geo.Position
	StartMs int64
	Phones  []Phone
	// Sightings in firing order.
	Sightings []Sighting
}

// NewScenario draws a scenario from rng. Shots are spaced twice the
// clock error apart so that follow-ups never overlap the previous shot.
func NewScenario(cfg Config, rng *rand.Rand, startMs int64) Scenario {
	source := geo.Position{
		Latitude:  uniform(rng, cfg.Box.MinLat, cfg.Box.MaxLat),
		Longitude: uniform(rng, cfg.Box.MinLon, cfg.Box.MaxLon),
	}
	s := Scenario{Source: source, StartMs: startMs}

	for i := 0; i < cfg.Clients; i++ {
		truePos := source.Shift(
			uniform(rng, cfg.MinDistance, cfg.MaxDistance),
			uniform(rng, 0, 360),
			uniform(rng, -cfg.MaxElevation, cfg.MaxElevation),
		)
		gps := truePos.Shift(
			uniform(rng, 0, cfg.MaxPositionError),
			uniform(rng, 0, 360),
			uniform(rng, -cfg.MaxElevation, cfg.MaxElevation),
		)
		s.Phones = append(s.Phones, Phone{
			True:    truePos,
			GPS:     gps,
			DelayMs: int64(geo.Distance(source, truePos) / tdoa.SpeedOfSound),
		})
	}

	shots := 1 + rng.Intn(cfg.MaxShots)
	spacing := 2 * cfg.MaxTimestampErrorMs
	for shot := 0; shot < shots; shot++ {
		firedMs := startMs + int64(shot)*spacing
		for i, p := range s.Phones {
			if shot > 0 && rng.Float64() > cfg.HeardProbability {
				continue
			}
			var jitter int64
			if cfg.MaxTimestampErrorMs > 0 {
				jitter = rng.Int63n(cfg.MaxTimestampErrorMs)
			}
			s.Sightings = append(s.Sightings, Sighting{
				Shot:        shot,
				Phone:       i,
				Position:    p.GPS,
				TimestampMs: firedMs + p.DelayMs + jitter,
				Weapon:      cfg.Weapon,
			})
		}
	}
	return s
}

// Target runs one scenario and returns the solved origin, or nil when the
// target could not determine it.
type Target interface {
	Locate(ctx context.Context, s Scenario) (*geo.Position, error)
}

// Result is one scenario's outcome.
type Result struct {
	Scenario Scenario
	// ErrorM is the distance between the solved and true source. It is
	// only meaningful when Located is set.
	ErrorM  float64
	Located bool
}

// Run generates and locates n scenarios. A target error aborts the run;
// an undetermined origin is recorded as a miss.
func Run(ctx context.Context, cfg Config, target Target, rng *rand.Rand, n int, startMs func() int64) ([]Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	results := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		s := NewScenario(cfg, rng, startMs())
		pos, err := target.Locate(ctx, s)
		if err != nil {
			return results, fmt.Errorf("scenario %d: %w", i+1, err)
		}
		r := Result{Scenario: s}
		if pos != nil {
			r.Located = true
			r.ErrorM = geo.Distance(s.Source, *pos)
			logf("scenario %d: error %.1f m over %d sightings", i+1, r.ErrorM, len(s.Sightings))
		} else {
			logf("scenario %d: could not determine position", i+1)
		}
		results = append(results, r)
	}
	return results, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
