package geo

import (
	"math"

	"github.com/example/carpool/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coords.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Nearest returns the index of the candidate closest to origin, or -1 for an
// empty slice. Ties keep the lowest index, so callers pre-sort candidates to
// make the choice deterministic.
func Nearest(origin models.Coord, candidates []models.Coord) int {
	best, bestDist := -1, math.Inf(1)
	for i, c := range candidates {
		if d := Distance(origin, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
