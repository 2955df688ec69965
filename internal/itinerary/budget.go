package itinerary

import (
	"context"
	"fmt"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Accountant enforces seats and the per-direction detour budget.
type Accountant struct {
	Projector *Projector
}

func NewAccountant() *Accountant {
	return &Accountant{Projector: &Projector{}}
}

// Admit projects the offer with cand added to the confirmed set and
// returns that projection when every day cand rides keeps a free seat and
// both directions within max_detour_minutes. Otherwise it returns a
// StateConflict (seats) or BudgetExceeded error.
func (a *Accountant) Admit(ctx context.Context, legs LegPricer, o models.Offer, confirmed []models.Reservation, cand models.Reservation, prev *Projection) (Projection, error) {
	days := AffectedDays(o, cand)
	if days.IsEmpty() {
		return Projection{}, models.Validation("aucun jour commun avec l'offre")
	}

	riders := make([]models.Reservation, 0, len(confirmed)+1)
	for _, r := range confirmed {
		if r.ID != cand.ID {
			riders = append(riders, r)
		}
	}
	byDay := RidersByDay(o, riders)
	for _, d := range days.Days() {
		if len(byDay[d])+1 > o.Seats {
			observability.AdmissionRejections.WithLabelValues("seats").Inc()
			return Projection{}, models.Conflict("plus de place disponible le %s", DayNameFR(d))
		}
	}

	proj, err := a.Projector.Project(ctx, legs, o, append(riders, cand), prev)
	if err != nil {
		return Projection{}, fmt.Errorf("itinerary.Accountant.Admit: %w", err)
	}
	for _, d := range days.Days() {
		dp, _ := proj.Day(d)
		for _, dir := range []struct {
			name string
			plan DirectionPlan
		}{{"aller", dp.Outbound}, {"retour", dp.Return}} {
			if dir.plan.UsedMinutes > o.MaxDetourMinutes {
				observability.AdmissionRejections.WithLabelValues("budget").Inc()
				return Projection{}, models.BudgetExceeded(
					"le détour (%s, %s) serait de %d min pour un maximum de %d min",
					dir.name, DayNameFR(d), dir.plan.UsedMinutes, o.MaxDetourMinutes)
			}
		}
	}
	return proj, nil
}

// Marginal is the extra detour, in minutes and per direction, that a rider
// adds: the largest difference between with and without over the days
// the rider takes part in.
func Marginal(without, with Projection, days models.DaySet) (outbound, ret int) {
	for _, d := range days.Days() {
		w, ok1 := with.Day(d)
		wo, ok2 := without.Day(d)
		if !ok1 || !ok2 {
			continue
		}
		outbound = max(outbound, w.Outbound.UsedMinutes-wo.Outbound.UsedMinutes)
		ret = max(ret, w.Return.UsedMinutes-wo.Return.UsedMinutes)
	}
	return outbound, ret
}

var frenchDays = [...]string{"lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi", "dimanche"}

// DayNameFR is the French name of d.
func DayNameFR(d models.Weekday) string {
	if d < models.Monday || d > models.Sunday {
		return d.String()
	}
	return frenchDays[d]
}
