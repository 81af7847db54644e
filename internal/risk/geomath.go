package risk

import (
	"fmt"
	"math"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

const earthRadiusMeters = 6371000.0

// Point is a latitude/longitude pair in decimal degrees
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ValidatePoint rejects NaN and out-of-range coordinates
func ValidatePoint(p Point) error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return apperrors.ValidationError(fmt.Sprintf("latitude %v outside [-90, 90]", p.Latitude))
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return apperrors.ValidationError(fmt.Sprintf("longitude %v outside [-180, 180]", p.Longitude))
	}
	return nil
}

// DistanceMeters returns the great-circle distance between a and b
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// RequiredSpeedKmh is the speed needed to cover distanceMeters in
// elapsedSeconds. Zero or negative elapsed time is instantaneous travel and
// yields +Inf for any non-zero distance.
func RequiredSpeedKmh(distanceMeters, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		if distanceMeters <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (distanceMeters / 1000) / (elapsedSeconds / 3600)
}
