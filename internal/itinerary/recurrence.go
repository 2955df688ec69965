package itinerary

import (
	"sort"

	"github.com/example/carpool/internal/models"
)

// AffectedDays is the set of weekdays on which r interacts with o.
func AffectedDays(o models.Offer, r models.Reservation) models.DaySet {
	return o.Days.Intersect(r.Days)
}

// RidersByDay groups confirmed reservations by the offer days they ride.
// Days of the offer without riders map to an empty slice; days outside
// the offer are never present. Riders are sorted by reservation id.
func RidersByDay(o models.Offer, confirmed []models.Reservation) map[models.Weekday][]models.Reservation {
	out := make(map[models.Weekday][]models.Reservation, 7)
	for _, d := range o.Days.Days() {
		out[d] = nil
	}
	for _, r := range confirmed {
		for _, d := range AffectedDays(o, r).Days() {
			out[d] = append(out[d], r)
		}
	}
	for d := range out {
		rs := out[d]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
	return out
}

// riderKey identifies a rider set; days sharing it share one sequencing.
func riderKey(rs []models.Reservation) string {
	key := ""
	for i, r := range rs {
		if i > 0 {
			key += "|"
		}
		key += r.ID
	}
	return key
}
