package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Coord crosses every boundary as a [longitude, latitude] pair.
type Coord struct {
	Lon float64
	Lat float64
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lon, c.Lat})
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return Validation("coordonnées invalides : attendu [longitude, latitude]")
	}
	if len(pair) != 2 {
		return Validation("coordonnées invalides : attendu [longitude, latitude]")
	}
	c.Lon, c.Lat = pair[0], pair[1]
	return nil
}

// Validate checks latitude and longitude ranges.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return Validation("latitude hors limites (%.6f)", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return Validation("longitude hors limites (%.6f)", c.Lon)
	}
	return nil
}

func (c Coord) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lon, c.Lat) }

type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

type Contact struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Route is one priced path returned by the routing service.
type Route struct {
	DurationSeconds float64 `json:"duration_seconds"`
	DistanceMeters  float64 `json:"distance_meters"`
	Geometry        []Coord `json:"geometry,omitempty"`
}

type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

func (s OfferStatus) IsTerminal() bool { return s == OfferCancelled || s == OfferExpired }

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationRejected  ReservationStatus = "rejected"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// IsTerminal reports whether no further transition can leave the status.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationRejected, ReservationCancelled, ReservationExpired:
		return true
	}
	return false
}

// Offer is a driver's recurring home -> office commute.
type Offer struct {
	ID                  string      `json:"id"`
	Driver              Contact     `json:"driver"`
	Home                Place       `json:"home"`
	Office              Place       `json:"office"`
	ArrivalAtOffice     TimeOfDay   `json:"arrival_at_office"`
	DepartureFromOffice TimeOfDay   `json:"departure_from_office"`
	Days                DaySet      `json:"days"`
	Seats               int         `json:"seats"`
	MaxDetourMinutes    int         `json:"max_detour_minutes"`
	MaxDetourKm         float64     `json:"max_detour_km,omitempty"` // 0 derives the width from MaxDetourMinutes
	Outbound            Route       `json:"outbound"`
	Return              Route       `json:"return"`
	Status              OfferStatus `json:"status"`
	ValidUntil          *time.Time  `json:"valid_until,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

const (
	DefaultMaxDetourMinutes = 15
	// KmPerDetourMinute converts a detour budget into a corridor half-width.
	KmPerDetourMinute = 1.0
)

// CorridorKm is the admissibility buffer half-width. An explicit
// MaxDetourKm wins over the value derived from MaxDetourMinutes.
func (o Offer) CorridorKm() float64 {
	if o.MaxDetourKm > 0 {
		return o.MaxDetourKm
	}
	return float64(o.MaxDetourMinutes) * KmPerDetourMinute
}

// Reservation is a passenger's pickup request against one offer.
type Reservation struct {
	ID             string            `json:"id"`
	OfferID        string            `json:"offer_id"`
	Passenger      Contact           `json:"passenger"`
	Pickup         Place             `json:"pickup"`
	Days           DaySet            `json:"days"`
	PickupOutbound DayTimes          `json:"pickup_time_outbound,omitempty"`
	DropoffReturn  DayTimes          `json:"dropoff_time_return,omitempty"`
	DetourOutbound int               `json:"detour_time_outbound"`
	DetourReturn   int               `json:"detour_time_return"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Confirmed filters rs down to confirmed reservations, keeping order.
func Confirmed(rs []Reservation) []Reservation {
	out := make([]Reservation, 0, len(rs))
	for _, r := range rs {
		if r.Status == ReservationConfirmed {
			out = append(out, r)
		}
	}
	return out
}
