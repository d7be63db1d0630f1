// Package geo holds the receiver/source position model used by the
// correlation engine and the TDOA solver.
//
// Distances combine a great-circle surface distance with the altitude
// difference (Pythagoras). The approximation is only meant for the short
// ranges an acoustic event can cover, a few tens of kilometres at most.
package geo

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// EarthRadius is the mean Earth radius in metres (IUGG).
const EarthRadius = 6371008.8

var (
	ErrInvalidLatitude  = errors.New("latitude must be within [-90, 90]")
	ErrInvalidLongitude = errors.New("longitude must be within [-180, 180]")
	ErrInvalidAltitude  = errors.New("altitude must be finite")
)

// Position is an immutable latitude/longitude/altitude triple.
type Position struct {
	Latitude  float64 `json:"latitude"`  // degrees
	Longitude float64 `json:"longitude"` // degrees
	Altitude  float64 `json:"altitude"`  // metres above sea level
}

// NewPosition validates and returns a Position.
func NewPosition(lat, lon, alt float64) (Position, error) {
	p := Position{Latitude: lat, Longitude: lon, Altitude: alt}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}

// Validate checks the coordinate domain.
func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w, got %v", ErrInvalidLatitude, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w, got %v", ErrInvalidLongitude, p.Longitude)
	}
	if math.IsNaN(p.Altitude) || math.IsInf(p.Altitude, 0) {
		return fmt.Errorf("%w, got %v", ErrInvalidAltitude, p.Altitude)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f, %.1fm)", p.Latitude, p.Longitude, p.Altitude)
}

// SurfaceDistance returns the haversine great-circle distance in metres,
// ignoring altitude.
func SurfaceDistance(a, b Position) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h marginally past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// Distance returns the distance in metres between a and b, combining the
// surface distance with the altitude difference. Symmetric, non-negative,
// and zero for identical positions.
func Distance(a, b Position) float64 {
	return math.Hypot(SurfaceDistance(a, b), a.Altitude-b.Altitude)
}

// Distance is a method form of the package-level Distance.
func (p Position) Distance(other Position) float64 {
	return Distance(p, other)
}

// Shift returns a new position offset by a 3-D vector of the given
// magnitude (metres). bearing is degrees clockwise from north; elevation is
// the angle above the horizontal plane in degrees. The horizontal component
// follows a great circle, the vertical component changes altitude only.
func Shift(p Position, magnitude, bearing, elevation float64) Position {
	horizontal := magnitude * math.Cos(radians(elevation))
	vertical := magnitude * math.Sin(radians(elevation))

	lat1 := radians(p.Latitude)
	lon1 := radians(p.Longitude)
	theta := radians(bearing)
	delta := horizontal / EarthRadius

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) +
		math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return Position{
		Latitude:  degrees(lat2),
		Longitude: normalizeLongitude(degrees(lon2)),
		Altitude:  p.Altitude + vertical,
	}
}

// Shift is a method form of the package-level Shift.
func (p Position) Shift(magnitude, bearing, elevation float64) Position {
	return Shift(p, magnitude, bearing, elevation)
}

// Midpoint returns the arithmetic mean of the given positions. Like
// Distance it is only meaningful for positions a few kilometres apart and
// not straddling the antimeridian. Returns the zero Position for no input.
func Midpoint(positions []Position) Position {
	if len(positions) == 0 {
		return Position{}
	}
	lats := make([]float64, len(positions))
	lons := make([]float64, len(positions))
	alts := make([]float64, len(positions))
	for i, p := range positions {
		lats[i] = p.Latitude
		lons[i] = p.Longitude
		alts[i] = p.Altitude
	}
	return Position{
		Latitude:  stat.Mean(lats, nil),
		Longitude: stat.Mean(lons, nil),
		Altitude:  stat.Mean(alts, nil),
	}
}

// ClampLatitude limits lat to [-90, 90].
func ClampLatitude(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// ClampLongitude limits lon to [-180, 180].
func ClampLongitude(lon float64) float64 {
	return math.Max(-180, math.Min(180, lon))
}

func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+540, 360) - 180
	if lon == -180 {
		return 180
	}
	return lon
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
