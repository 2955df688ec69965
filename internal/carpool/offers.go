package carpool

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/itinerary"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/token"
)

// OfferInput is the body of a new offer.
type OfferInput struct {
	Driver              models.Contact   `json:"driver"`
	Home                models.Place     `json:"home"`
	Office              models.Place     `json:"office"`
	ArrivalAtOffice     models.TimeOfDay `json:"arrival_at_office"`
	DepartureFromOffice models.TimeOfDay `json:"departure_from_office"`
	Days                models.DaySet    `json:"days"`
	Seats               int              `json:"seats"`
	MaxDetourMinutes    *int             `json:"max_detour_minutes,omitempty"`
	MaxDetourKm         float64          `json:"max_detour_km,omitempty"`
	ValidUntil          *time.Time       `json:"valid_until,omitempty"`
}

func validateContact(c *models.Contact, who string) error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return models.Validation("le nom du %s est obligatoire", who)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil || c.Email == "" {
		return models.Validation("adresse email du %s invalide : %q", who, c.Email)
	}
	return nil
}

func validatePlace(p models.Place, what string) error {
	if err := p.Coord.Validate(); err != nil {
		return fmt.Errorf("%s : %w", what, err)
	}
	return nil
}

func (in *OfferInput) validate(now time.Time) error {
	if err := validateContact(&in.Driver, "conducteur"); err != nil {
		return err
	}
	if err := validatePlace(in.Home, "domicile"); err != nil {
		return err
	}
	if err := validatePlace(in.Office, "bureau"); err != nil {
		return err
	}
	if in.Days.IsEmpty() || !in.Days.Valid() {
		return models.Validation("choisissez au moins un jour")
	}
	if in.Seats < 1 {
		return models.Validation("le nombre de places doit être au moins 1")
	}
	for _, t := range []models.TimeOfDay{in.ArrivalAtOffice, in.DepartureFromOffice} {
		if t != t.Normalize() {
			return models.Validation("heure invalide : %d", int(t))
		}
	}
	if in.MaxDetourMinutes != nil && *in.MaxDetourMinutes < 0 {
		return models.Validation("le détour maximal ne peut pas être négatif")
	}
	if in.MaxDetourKm < 0 {
		return models.Validation("le détour maximal ne peut pas être négatif")
	}
	if in.ValidUntil != nil && in.ValidUntil.Before(now) {
		return models.Validation("la date de fin est déjà passée")
	}
	return nil
}

// CreateOffer validates the offer, prices both direct routes and stores it.
// The driver receives the week's solo itinerary and a cancel link.
func (s *Service) CreateOffer(ctx context.Context, in OfferInput) (models.Offer, error) {
	var created models.Offer
	err := s.run(ctx, "CreateOffer", func(ctx context.Context) error {
		now := s.now()
		if err := in.validate(now); err != nil {
			return err
		}
		o := models.Offer{
			ID:                  s.newID(),
			Driver:              in.Driver,
			Home:                in.Home,
			Office:              in.Office,
			ArrivalAtOffice:     in.ArrivalAtOffice,
			DepartureFromOffice: in.DepartureFromOffice,
			Days:                in.Days,
			Seats:               in.Seats,
			MaxDetourMinutes:    models.DefaultMaxDetourMinutes,
			MaxDetourKm:         in.MaxDetourKm,
			Status:              models.OfferActive,
			ValidUntil:          in.ValidUntil,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if in.MaxDetourMinutes != nil {
			o.MaxDetourMinutes = *in.MaxDetourMinutes
		}

		legs := s.legs()
		out, err := legs.Route(ctx, []models.Coord{o.Home.Coord, o.Office.Coord}, false)
		if err != nil {
			return err
		}
		ret, err := legs.Route(ctx, []models.Coord{o.Office.Coord, o.Home.Coord}, false)
		if err != nil {
			return err
		}
		o.Outbound, o.Return = out.Primary, ret.Primary

		if err := s.Store.CreateOffer(ctx, o); err != nil {
			return err
		}
		s.logger().Info("offer created", "offer_id", o.ID, "days", o.Days.String(), "seats", o.Seats)

		// solo days need no further routing
		proj, err := s.accountant().Projector.Project(ctx, legs, o, nil, nil)
		if err != nil {
			s.logger().Warn("project new offer", "offer_id", o.ID, "error", err)
		}
		s.deliver(ctx, []dispatch.Email{s.offerCreatedEmail(o, &proj)})
		created = o
		return nil
	})
	return created, err
}

// OfferView is the read model of an offer. Contacts are omitted from the
// public view.
type OfferView struct {
	Offer        models.Offer          `json:"offer"`
	Reservations []models.Reservation  `json:"reservations"`
	Pending      int                   `json:"pending"`
	Projection   *itinerary.Projection `json:"projection,omitempty"`
}

func (s *Service) GetOffer(ctx context.Context, id string) (OfferView, error) {
	var view OfferView
	err := s.run(ctx, "GetOffer", func(ctx context.Context) error {
		o, err := s.Store.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		view, err = s.offerView(ctx, o, false)
		return err
	})
	return view, err
}

// DriverItinerary is the offer view for the driver holding tok, with the
// contacts of confirmed passengers.
func (s *Service) DriverItinerary(ctx context.Context, id, tok string) (OfferView, error) {
	var view OfferView
	err := s.run(ctx, "DriverItinerary", func(ctx context.Context) error {
		o, err := s.Store.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(tok, token.ActionViewItinerary, id, o.Driver.Email); err != nil {
			return err
		}
		view, err = s.offerView(ctx, o, true)
		return err
	})
	return view, err
}

func (s *Service) offerView(ctx context.Context, o models.Offer, contacts bool) (OfferView, error) {
	var view OfferView
	all, err := s.Store.ListReservations(ctx, o.ID)
	if err != nil {
		return view, err
	}
	confirmed := models.Confirmed(all)
	for _, r := range all {
		if r.Status == models.ReservationPending {
			view.Pending++
		}
	}
	if o.Status == models.OfferActive {
		proj, err := s.accountant().Projector.Project(ctx, s.legs(), o, confirmed, nil)
		if err != nil {
			return view, err
		}
		view.Projection = &proj
	}
	if !contacts {
		o.Driver.Email, o.Driver.Phone = "", ""
		for i := range confirmed {
			confirmed[i].Passenger.Email, confirmed[i].Passenger.Phone = "", ""
		}
	}
	view.Offer, view.Reservations = o, confirmed
	return view, nil
}

// CancelOffer ends the offer for the driver holding tok. Pending and
// confirmed reservations are cancelled; cancelling a terminal offer is a
// no-op.
func (s *Service) CancelOffer(ctx context.Context, id, tok string) (models.Offer, error) {
	var result models.Offer
	err := s.run(ctx, "CancelOffer", func(ctx context.Context) error {
		o, err := s.Store.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(tok, token.ActionCancelOffer, id, o.Driver.Email); err != nil {
			return err
		}
		result, err = s.endOffer(ctx, id, models.OfferCancelled)
		return err
	})
	return result, err
}

// endOffer moves an active offer to status and cancels its non-terminal
// reservations, notifying passengers then the driver.
func (s *Service) endOffer(ctx context.Context, id string, status models.OfferStatus) (models.Offer, error) {
	var (
		o      models.Offer
		emails []dispatch.Email
		ended  bool
	)
	err := s.Store.WithOfferLock(ctx, id, func(tx storage.Tx) error {
		o = tx.Offer()
		if o.Status.IsTerminal() {
			return nil
		}
		all, err := tx.Reservations(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		o.Status, o.UpdatedAt = status, now
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return err
		}

		riderKind, driverKind := MailOfferCancelledRider, MailOfferCancelled
		riderIntro := o.Driver.Name + " a annulé son offre de covoiturage. Votre réservation est annulée."
		driverIntro := "Votre offre de covoiturage est annulée."
		if status == models.OfferExpired {
			riderKind, driverKind = MailOfferEndedRider, MailOfferEnded
			riderIntro = "L'offre de covoiturage de " + o.Driver.Name + " est arrivée à échéance. Votre réservation est terminée."
			driverIntro = "Votre offre de covoiturage est arrivée à échéance."
		}

		var cancelled int
		for _, r := range all {
			if r.Status.IsTerminal() {
				continue
			}
			s.transition(r, models.ReservationCancelled)
			r.Status, r.CancelledAt, r.UpdatedAt = models.ReservationCancelled, &now, now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			emails = append(emails, notice(r.Passenger.Email, r.Passenger.Name, riderKind, "Covoiturage annulé", riderIntro))
			cancelled++
		}
		driverIntro += fmt.Sprintf(" %d réservation(s) annulée(s).", cancelled)
		emails = append(emails, notice(o.Driver.Email, o.Driver.Name, driverKind, "Votre offre de covoiturage est terminée", driverIntro))
		ended = true
		return nil
	})
	if err != nil {
		return models.Offer{}, err
	}
	if ended {
		s.logger().Info("offer ended", "offer_id", o.ID, "status", o.Status)
		s.deliver(ctx, emails)
		s.publish(o, nil)
	}
	return o, nil
}
