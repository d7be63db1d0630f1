package geo

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPosition_Validation(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		alt     float64
		wantErr error
	}{
		{"valid", 57.7, 11.97, 12, nil},
		{"north pole", 90, 0, 0, nil},
		{"antimeridian", 0, -180, 0, nil},
		{"latitude too high", 90.0001, 0, 0, ErrInvalidLatitude},
		{"latitude too low", -91, 0, 0, ErrInvalidLatitude},
		{"latitude NaN", math.NaN(), 0, 0, ErrInvalidLatitude},
		{"longitude too high", 0, 180.5, 0, ErrInvalidLongitude},
		{"longitude too low", 0, -181, 0, ErrInvalidLongitude},
		{"altitude infinite", 0, 0, math.Inf(1), ErrInvalidAltitude},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPosition(tt.lat, tt.lon, tt.alt)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func TestDistance_IdentityAndSymmetry(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		a := Position{
			Latitude:  rng.Float64()*170 - 85,
			Longitude: rng.Float64()*360 - 180,
			Altitude:  rng.Float64() * 500,
		}
		b := Shift(a, rng.Float64()*5000, rng.Float64()*360, rng.Float64()*20-10)

		assert.Zero(t, Distance(a, a))
		assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-9)
		assert.GreaterOrEqual(t, Distance(a, b), 0.0)
	}
}

func TestDistance_KnownValues(t *testing.T) {
	// One degree of latitude on the mean sphere.
	a := Position{Latitude: 0, Longitude: 0}
	b := Position{Latitude: 1, Longitude: 0}
	assert.InDelta(t, 111195.08, Distance(a, b), 0.5)

	// Pure altitude difference.
	c := Position{Latitude: 57.7, Longitude: 11.9, Altitude: 0}
	d := Position{Latitude: 57.7, Longitude: 11.9, Altitude: 30}
	assert.InDelta(t, 30, Distance(c, d), 1e-9)

	// 3-4-5 triangle: 40 m surface and 30 m up.
	e := Shift(c, 40, 90, 0)
	e.Altitude = 30
	assert.InDelta(t, 50, Distance(c, e), 1e-6)
}

func TestShift_RoundTripDistance(t *testing.T) {
	origin := Position{Latitude: 57.70887, Longitude: 11.97456, Altitude: 20}

	for _, tc := range []struct {
		magnitude, bearing, elevation float64
	}{
		{100, 0, 0},
		{250, 45, 5},
		{500, 180, -10},
		{1000, 270, 10},
		{10, 359, 90},
	} {
		shifted := Shift(origin, tc.magnitude, tc.bearing, tc.elevation)
		require.NoError(t, shifted.Validate())
		assert.InDelta(t, tc.magnitude, Distance(origin, shifted), tc.magnitude*1e-6+1e-6,
			"magnitude=%v bearing=%v elevation=%v", tc.magnitude, tc.bearing, tc.elevation)

		wantAlt := origin.Altitude + tc.magnitude*math.Sin(tc.elevation*math.Pi/180)
		assert.InDelta(t, wantAlt, shifted.Altitude, 1e-9)
	}
}

func TestShift_Bearing(t *testing.T) {
	origin := Position{Latitude: 10, Longitude: 20}

	north := origin.Shift(1000, 0, 0)
	assert.Greater(t, north.Latitude, origin.Latitude)
	assert.InDelta(t, origin.Longitude, north.Longitude, 1e-9)

	east := origin.Shift(1000, 90, 0)
	assert.Greater(t, east.Longitude, origin.Longitude)
}

func TestShift_WrapsAntimeridian(t *testing.T) {
	p := Position{Latitude: 0, Longitude: 179.9999}
	shifted := p.Shift(1000, 90, 0)
	require.NoError(t, shifted.Validate())
	assert.Less(t, shifted.Longitude, 0.0)
	assert.InDelta(t, 1000, Distance(p, shifted), 1e-3)
}

func TestMidpoint(t *testing.T) {
	assert.Equal(t, Position{}, Midpoint(nil))

	mid := Midpoint([]Position{
		{Latitude: 10, Longitude: 20, Altitude: 0},
		{Latitude: 12, Longitude: 22, Altitude: 10},
		{Latitude: 14, Longitude: 24, Altitude: 20},
	})
	assert.InDelta(t, 12, mid.Latitude, 1e-12)
	assert.InDelta(t, 22, mid.Longitude, 1e-12)
	assert.InDelta(t, 10, mid.Altitude, 1e-12)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 90.0, ClampLatitude(120))
	assert.Equal(t, -90.0, ClampLatitude(-95))
	assert.Equal(t, 45.0, ClampLatitude(45))
	assert.Equal(t, 180.0, ClampLongitude(200))
	assert.Equal(t, -180.0, ClampLongitude(-181))
}
