package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// north returns a point d meters due north of p.
func north(p Point, d float64) Point {
	return Point{Lat: p.Lat + d/EarthRadiusM*180/math.Pi, Lon: p.Lon}
}

var stopA = Point{Lat: 11.5446, Lon: -72.9060}

func TestDistanceIdentityAndSymmetry(t *testing.T) {
	pts := []Point{stopA, {Lat: 0, Lon: 0}, {Lat: -33.45, Lon: -70.66}, {Lat: 89.9, Lon: 179.9}}
	for _, p := range pts {
		assert.Equal(t, 0.0, p.DistanceTo(p))
		for _, q := range pts {
			assert.InDelta(t, p.DistanceTo(q), q.DistanceTo(p), 1e-6)
		}
	}
}

func TestDistanceKnownValues(t *testing.T) {
	// one degree of latitude along a meridian
	assert.InDelta(t, EarthRadiusM*math.Pi/180, Distance(0, 0, 1, 0), 1e-6)
	assert.InDelta(t, 95.0, stopA.DistanceTo(north(stopA, 95)), 1e-6)
	// Bogotá to Medellín, roughly 240 km
	d := Distance(4.7110, -74.0721, 6.2442, -75.5812)
	assert.InDelta(t, 240000, d, 5000)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		ok       bool
	}{
		{"origin", 0, 0, true},
		{"bounds", -90, 180, true},
		{"lat too high", 90.0001, 0, false},
		{"lon too low", 0, -180.5, false},
		{"nan", math.NaN(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.lat, tt.lon)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidCoordinate))
			}
		})
	}
}

func TestMinDistanceEmpty(t *testing.T) {
	_, idx, err := MinDistance(stopA, nil)
	assert.ErrorIs(t, err, ErrNoReferencePoints)
	assert.Equal(t, -1, idx)

	e := NewEvaluator(0, 0)
	near, _, err := e.Near(stopA, nil)
	assert.ErrorIs(t, err, ErrNoReferencePoints)
	assert.False(t, near)
	dev, _, err := e.Deviated(stopA, []Point{})
	assert.ErrorIs(t, err, ErrNoReferencePoints)
	assert.False(t, dev)
}

func TestEvaluatorThresholds(t *testing.T) {
	e := NewEvaluator(0, 0)
	require.Equal(t, DefaultConfirmationRadius, e.ConfirmationRadius)
	require.Equal(t, DefaultDeviationRadius, e.DeviationRadius)

	far := north(stopA, 5000)
	refs := []Point{far, stopA}

	near, d, err := e.Near(north(stopA, 95), refs)
	require.NoError(t, err)
	assert.True(t, near)
	assert.InDelta(t, 95, d, 1e-6)

	near, _, err = e.Near(north(stopA, 150), refs)
	require.NoError(t, err)
	assert.False(t, near)

	dev, d, err := e.Deviated(north(stopA, 310), refs)
	require.NoError(t, err)
	assert.True(t, dev)
	assert.InDelta(t, 310, d, 1e-6)

	dev, _, err = e.Deviated(north(stopA, 290), refs)
	require.NoError(t, err)
	assert.False(t, dev)

	_, idx, err := MinDistance(north(stopA, 10), refs)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}
