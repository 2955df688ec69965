package itinerary

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// PlanKind distinguishes days without passengers from single and
// multi-stop days.
type PlanKind string

const (
	PlanSolo       PlanKind = "solo"
	PlanSingleStop PlanKind = "single_stop"
	PlanMultiStop  PlanKind = "multi_stop"
)

type StopKind string

const (
	StopHome    StopKind = "home"
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
	StopOffice  StopKind = "office"
)

type StopTime struct {
	Kind          StopKind         `json:"kind"`
	ReservationID string           `json:"reservation_id,omitempty"`
	Name          string           `json:"name,omitempty"`
	Address       string           `json:"address"`
	Coord         models.Coord     `json:"coord"`
	Time          models.TimeOfDay `json:"time"`
}

// DirectionPlan is one direction of one day.
type DirectionPlan struct {
	Stops            []StopTime `json:"stops"`
	DurationSeconds  float64    `json:"duration_seconds"`
	DirectSeconds    float64    `json:"direct_seconds"`
	UsedMinutes      int        `json:"used_minutes"`
	RemainingMinutes int        `json:"remaining_minutes"`
	OverBudget       bool       `json:"over_budget,omitempty"`
}

// Order lists the reservation ids of the passenger stops in driving order.
func (p DirectionPlan) Order() []string {
	var ids []string
	for _, s := range p.Stops {
		if s.ReservationID != "" {
			ids = append(ids, s.ReservationID)
		}
	}
	return ids
}

type DayPlan struct {
	Day        models.Weekday `json:"day"`
	Kind       PlanKind       `json:"kind"`
	SeatsTaken int            `json:"seats_taken"`
	SeatsLeft  int            `json:"seats_left"`
	Outbound   DirectionPlan  `json:"outbound"`
	Return     DirectionPlan  `json:"return"`
	Waypoints  []models.Coord `json:"waypoints"`
	MapURL     string         `json:"map_url"`
}

// Projection is the per-day itinerary of one offer, derived from the offer
// and its confirmed reservations.
type Projection struct {
	OfferID string    `json:"offer_id"`
	Days    []DayPlan `json:"days"`
}

// Day returns the plan for d, if the offer runs that day.
func (p *Projection) Day(d models.Weekday) (DayPlan, bool) {
	if p == nil {
		return DayPlan{}, false
	}
	for _, dp := range p.Days {
		if dp.Day == d {
			return dp, true
		}
	}
	return DayPlan{}, false
}

// TimesFor returns a reservation's scheduled pickup and drop-off per day.
func (p *Projection) TimesFor(reservationID string) (pickup, dropoff models.DayTimes) {
	pickup, dropoff = models.DayTimes{}, models.DayTimes{}
	if p == nil {
		return pickup, dropoff
	}
	for _, dp := range p.Days {
		for _, s := range dp.Outbound.Stops {
			if s.ReservationID == reservationID {
				pickup[dp.Day] = s.Time
			}
		}
		for _, s := range dp.Return.Stops {
			if s.ReservationID == reservationID {
				dropoff[dp.Day] = s.Time
			}
		}
	}
	return pickup, dropoff
}

// Projector assembles projections. It holds no state between calls.
type Projector struct {
	Sequencer Sequencer
}

type dayResult struct {
	out, ret Sequence
}

// Project computes the itinerary of every offer day. prev, when given, is
// the projection before the current change; its orders are offered to the
// sequencer as hints. Days sharing the same rider set are sequenced once.
// Budget overruns are reported, not rejected.
func (p *Projector) Project(ctx context.Context, legs LegPricer, o models.Offer, confirmed []models.Reservation, prev *Projection) (Projection, error) {
	start := time.Now()
	defer func() { observability.ProjectionLatency.Observe(time.Since(start).Seconds()) }()

	byDay := RidersByDay(o, confirmed)
	cache := make(map[string]dayResult)
	proj := Projection{OfferID: o.ID}

	for _, d := range o.Days.Days() {
		riders := byDay[d]
		key := riderKey(riders)
		res, ok := cache[key]
		if !ok {
			var prevDay DayPlan
			if pd, found := prev.Day(d); found {
				prevDay = pd
			}
			var err error
			res, err = p.sequenceDay(ctx, legs, o, riders, prevDay)
			if err != nil {
				return Projection{}, fmt.Errorf("itinerary.Projector.Project: %s: %w", d, err)
			}
			cache[key] = res
		}
		proj.Days = append(proj.Days, buildDay(o, d, riders, res))
	}
	return proj, nil
}

func (p *Projector) sequenceDay(ctx context.Context, legs LegPricer, o models.Offer, riders []models.Reservation, prev DayPlan) (dayResult, error) {
	stops := make([]Stop, len(riders))
	for i, r := range riders {
		stops[i] = Stop{ID: r.ID, Coord: r.Pickup.Coord}
	}
	out, err := p.Sequencer.Sequence(ctx, legs, Outbound, o.Home.Coord, o.Office.Coord, stops, o.Outbound.DurationSeconds, hintFor(prev.Outbound, riders))
	if err != nil {
		return dayResult{}, err
	}
	ret, err := p.Sequencer.Sequence(ctx, legs, Return, o.Office.Coord, o.Home.Coord, stops, o.Return.DurationSeconds, hintFor(prev.Return, riders))
	if err != nil {
		return dayResult{}, err
	}
	return dayResult{out: out, ret: ret}, nil
}

// hintFor is the previous order restricted to the current riders.
func hintFor(prev DirectionPlan, riders []models.Reservation) []string {
	present := make(map[string]bool, len(riders))
	for _, r := range riders {
		present[r.ID] = true
	}
	var hint []string
	for _, id := range prev.Order() {
		if present[id] {
			hint = append(hint, id)
		}
	}
	return hint
}

func buildDay(o models.Offer, d models.Weekday, riders []models.Reservation, res dayResult) DayPlan {
	byID := make(map[string]models.Reservation, len(riders))
	for _, r := range riders {
		byID[r.ID] = r
	}

	dp := DayPlan{
		Day:        d,
		SeatsTaken: len(riders),
		SeatsLeft:  o.Seats - len(riders),
	}
	switch len(riders) {
	case 0:
		dp.Kind = PlanSolo
	case 1:
		dp.Kind = PlanSingleStop
	default:
		dp.Kind = PlanMultiStop
	}

	departHome, pickups := SolveOutbound(o.ArrivalAtOffice, res.out.LegSeconds)
	dp.Outbound = directionPlan(o, res.out)
	dp.Outbound.Stops = append(dp.Outbound.Stops, StopTime{Kind: StopHome, Name: o.Driver.Name, Address: o.Home.Address, Coord: o.Home.Coord, Time: departHome})
	for i, s := range res.out.Order {
		r := byID[s.ID]
		dp.Outbound.Stops = append(dp.Outbound.Stops, StopTime{Kind: StopPickup, ReservationID: r.ID, Name: r.Passenger.Name, Address: r.Pickup.Address, Coord: r.Pickup.Coord, Time: pickups[i]})
	}
	dp.Outbound.Stops = append(dp.Outbound.Stops, StopTime{Kind: StopOffice, Address: o.Office.Address, Coord: o.Office.Coord, Time: o.ArrivalAtOffice})

	dropoffs, arriveHome := SolveReturn(o.DepartureFromOffice, res.ret.LegSeconds)
	dp.Return = directionPlan(o, res.ret)
	dp.Return.Stops = append(dp.Return.Stops, StopTime{Kind: StopOffice, Address: o.Office.Address, Coord: o.Office.Coord, Time: o.DepartureFromOffice})
	for i, s := range res.ret.Order {
		r := byID[s.ID]
		dp.Return.Stops = append(dp.Return.Stops, StopTime{Kind: StopDropoff, ReservationID: r.ID, Name: r.Passenger.Name, Address: r.Pickup.Address, Coord: r.Pickup.Coord, Time: dropoffs[i]})
	}
	dp.Return.Stops = append(dp.Return.Stops, StopTime{Kind: StopHome, Name: o.Driver.Name, Address: o.Home.Address, Coord: o.Home.Coord, Time: arriveHome})

	for _, s := range dp.Outbound.Stops {
		dp.Waypoints = append(dp.Waypoints, s.Coord)
	}
	dp.MapURL = MapURL(dp.Waypoints)
	return dp
}

func directionPlan(o models.Offer, s Sequence) DirectionPlan {
	return DirectionPlan{
		DurationSeconds:  s.DurationSeconds,
		DirectSeconds:    s.DirectSeconds,
		UsedMinutes:      s.UsedMinutes,
		RemainingMinutes: o.MaxDetourMinutes - s.UsedMinutes,
		OverBudget:       s.UsedMinutes > o.MaxDetourMinutes,
	}
}

// MapURL builds a driving-directions deep link through the waypoints.
func MapURL(waypoints []models.Coord) string {
	if len(waypoints) < 2 {
		return ""
	}
	latLon := func(c models.Coord) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon) }
	q := url.Values{}
	q.Set("api", "1")
	q.Set("travelmode", "driving")
	q.Set("origin", latLon(waypoints[0]))
	q.Set("destination", latLon(waypoints[len(waypoints)-1]))
	if mid := waypoints[1 : len(waypoints)-1]; len(mid) > 0 {
		parts := make([]string, len(mid))
		for i, c := range mid {
			parts[i] = latLon(c)
		}
		q.Set("waypoints", strings.Join(parts, "|"))
	}
	return "https://www.google.com/maps/dir/?" + q.Encode()
}
