package itinerary

import (
	"math"

	"github.com/example/carpool/internal/models"
)

// RoundMinutes rounds a duration in seconds to the nearest whole minute,
// ties rounding up.
func RoundMinutes(seconds float64) int {
	return int(math.Floor(seconds/60 + 0.5))
}

func atSeconds(seconds float64) models.TimeOfDay {
	return models.TimeOfDay(RoundMinutes(seconds)).Normalize()
}

// SolveOutbound back-solves the morning run from the fixed office arrival.
// legs[i] is the duration of the i-th leg of the ordered path
// home -> p1 -> ... -> pk -> office. It returns the home departure and one
// pickup time per passenger.
func SolveOutbound(arrival models.TimeOfDay, legs []float64) (departHome models.TimeOfDay, pickups []models.TimeOfDay) {
	start := arrival.Seconds() - sum(legs)
	pickups = make([]models.TimeOfDay, 0, len(legs))
	elapsed := 0.0
	for i := 0; i < len(legs)-1; i++ {
		elapsed += legs[i]
		pickups = append(pickups, atSeconds(start+elapsed))
	}
	return atSeconds(start), pickups
}

// SolveReturn forward-solves the evening run from the fixed office
// departure over office -> q1 -> ... -> qk -> home.
func SolveReturn(departure models.TimeOfDay, legs []float64) (dropoffs []models.TimeOfDay, arriveHome models.TimeOfDay) {
	start := departure.Seconds()
	dropoffs = make([]models.TimeOfDay, 0, len(legs))
	elapsed := 0.0
	for i := 0; i < len(legs)-1; i++ {
		elapsed += legs[i]
		dropoffs = append(dropoffs, atSeconds(start+elapsed))
	}
	return dropoffs, atSeconds(start + sum(legs))
}

func sum(xs []float64) float64 {
	var t float64
	for _, x := range xs {
		t += x
	}
	return t
}
