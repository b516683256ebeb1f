package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusM is the mean Earth radius used by Distance.
const EarthRadiusM = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the haversine great-circle distance in meters.
// Inputs are assumed valid; see Validate.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// DistanceTo is Distance between two points.
func (p Point) DistanceTo(q Point) float64 { return Distance(p.Lat, p.Lon, q.Lat, q.Lon) }

// Validate rejects latitudes outside [-90,90], longitudes outside [-180,180] and NaNs.
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, lat, lon)
	}
	return nil
}
