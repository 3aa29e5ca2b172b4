// Package geo implements the geodesy and bubble-admission model: the
// Haversine distance between two GPS points and the location-dependent
// admission radius ("bubble") used to gate colleague membership.
//
// Grounded on the teacher's internal/spatial/distance.go Haversine
// branch, generalized to the GPS-only model this protocol uses.
package geo

import (
	"math"

	"github.com/geomesh-network/geomesh/internal/model"
)

// EarthRadiusKm is the spherical Earth radius used by DistanceKm, in
// kilometers.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two locations in
// kilometers via the Haversine formula. The result is symmetric,
// non-negative and zero iff both locations coincide (P1).
func DistanceKm(a, b model.GpsLocation) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	// Clamp for points that are exactly antipodal or identical, where
	// floating point error can push h fractionally outside [0, 1].
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}
