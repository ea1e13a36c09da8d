package analyzer

import (
	"math"

	"github.com/opensource-finance/merlin/internal/domain"
)

const earthRadiusKm = 6371

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(a, b domain.Location) float64 {
	lat1 := deg2rad(a.Lat)
	lat2 := deg2rad(b.Lat)
	dLat := deg2rad(b.Lat - a.Lat)
	dLng := deg2rad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// TravelSpeedKmh returns the implied speed of moving between two points in
// the given number of minutes.
func TravelSpeedKmh(from, to domain.Location, minutes float64) float64 {
	if minutes <= 0 {
		return math.Inf(1)
	}
	return HaversineKm(from, to) / (minutes / 60)
}

// IsImpossibleTravel reports whether covering the distance between two
// points in the elapsed minutes would exceed the given maximum speed.
// Sub-kilometer hops never count, regardless of elapsed time.
func IsImpossibleTravel(from, to domain.Location, minutes, maxSpeedKmh float64) bool {
	if HaversineKm(from, to) < 1 {
		return false
	}
	return TravelSpeedKmh(from, to, minutes) > maxSpeedKmh
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}
