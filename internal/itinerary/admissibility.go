package itinerary

import (
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

// Corridors returns the outbound and return admissibility zones of an
// offer, falling back to the straight home-office segment when no
// geometry was stored.
func Corridors(o models.Offer) (out, ret *geo.Corridor) {
	w := o.CorridorKm()
	outLine := o.Outbound.Geometry
	if len(outLine) == 0 {
		outLine = []models.Coord{o.Home.Coord, o.Office.Coord}
	}
	retLine := o.Return.Geometry
	if len(retLine) == 0 {
		retLine = []models.Coord{o.Office.Coord, o.Home.Coord}
	}
	return geo.NewCorridor(outLine, w), geo.NewCorridor(retLine, w)
}

// Admissible rejects pickups outside either direction's corridor without
// any routing call.
func Admissible(o models.Offer, pickup models.Coord) error {
	if err := pickup.Validate(); err != nil {
		return err
	}
	out, ret := Corridors(o)
	if !out.Contains(pickup) || !ret.Contains(pickup) {
		return models.BudgetExceeded("le point de prise en charge est trop éloigné du trajet (détour maximal %d min, %.1f km)", o.MaxDetourMinutes, o.CorridorKm())
	}
	return nil
}
