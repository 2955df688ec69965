package carpool

import (
	"context"
	"strings"
	"time"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/itinerary"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/token"
)

// ReservationInput is a passenger's request.
type ReservationInput struct {
	OfferID   string         `json:"offer_id"`
	Passenger models.Contact `json:"passenger"`
	Pickup    models.Place   `json:"pickup"`
	Days      models.DaySet  `json:"days"`
}

// Receipt is returned to the passenger on submission.
type Receipt struct {
	ReservationID string `json:"reservation_id"`
	CancelToken   string `json:"token_for_passenger_cancel"`
}

func (in *ReservationInput) validate() error {
	in.OfferID = strings.TrimSpace(in.OfferID)
	if in.OfferID == "" {
		return models.Validation("offre manquante")
	}
	if err := validateContact(&in.Passenger, "passager"); err != nil {
		return err
	}
	if err := validatePlace(in.Pickup, "point de prise en charge"); err != nil {
		return err
	}
	if in.Days.IsEmpty() || !in.Days.Valid() {
		return models.Validation("choisissez au moins un jour")
	}
	return nil
}

// RequestReservation stores a pending reservation once the pickup is
// admissible and the detour budget and seats would allow it on every
// requested day. Nothing is stored otherwise.
func (s *Service) RequestReservation(ctx context.Context, in ReservationInput) (Receipt, error) {
	var receipt Receipt
	err := s.run(ctx, "RequestReservation", func(ctx context.Context) error {
		if err := in.validate(); err != nil {
			return err
		}
		if err := s.checkOverlap(ctx, in); err != nil {
			return err
		}

		var emails []dispatch.Email
		err := s.Store.WithOfferLock(ctx, in.OfferID, func(tx storage.Tx) error {
			o := tx.Offer()
			if o.Status != models.OfferActive {
				return models.Conflict("cette offre n'est plus active")
			}
			if !in.Days.IsSubsetOf(o.Days) {
				return models.Validation("les jours demandés (%s) ne font pas tous partie de l'offre (%s)", dayList(in.Days), dayList(o.Days))
			}
			if err := itinerary.Admissible(o, in.Pickup.Coord); err != nil {
				return err
			}
			all, err := tx.Reservations(ctx)
			if err != nil {
				return err
			}
			for _, r := range all {
				if !r.Status.IsTerminal() && r.Passenger.Email == in.Passenger.Email {
					return models.Conflict("une demande est déjà en cours pour %s sur cette offre", in.Passenger.Email)
				}
			}

			now := s.now()
			r := models.Reservation{
				ID:        s.newID(),
				OfferID:   o.ID,
				Passenger: in.Passenger,
				Pickup:    in.Pickup,
				Days:      in.Days,
				Status:    models.ReservationPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			confirmed := models.Confirmed(all)
			legs := s.legs()
			before, err := s.accountant().Projector.Project(ctx, legs, o, confirmed, nil)
			if err != nil {
				return degradeRouting(err)
			}
			after, err := s.accountant().Admit(ctx, legs, o, confirmed, r, &before)
			if err != nil {
				return degradeRouting(err)
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
			s.transition(models.Reservation{ID: r.ID, OfferID: r.OfferID}, models.ReservationPending)

			cancelLink := s.passengerCancelLink(r)
			receipt = Receipt{ReservationID: r.ID, CancelToken: s.mint(token.ActionCancelPassenger, r.ID, r.Passenger.Email)}
			emails = s.requestEmails(o, r, cancelLink, &before, &after)
			return nil
		})
		if err != nil {
			return err
		}
		s.deliver(ctx, emails)
		return nil
	})
	return receipt, err
}

// checkOverlap rejects a request when the passenger already holds a
// non-terminal reservation on another offer sharing a requested day.
func (s *Service) checkOverlap(ctx context.Context, in ReservationInput) error {
	held, err := s.Store.ListActiveReservationsByEmail(ctx, in.Passenger.Email)
	if err != nil {
		return err
	}
	for _, r := range held {
		if r.OfferID != in.OfferID && r.Days.Overlaps(in.Days) {
			return models.Conflict("vous avez déjà une réservation le %s sur un autre trajet", dayList(r.Days.Intersect(in.Days)))
		}
	}
	return nil
}

// change is the outcome of one locked transition.
type change struct {
	offer       models.Offer
	reservation models.Reservation
	emails      []dispatch.Email
	projection  *itinerary.Projection
	noop        bool
}

// transact loads the reservation, checks tok against the actor's email
// and runs fn under the offer lock. Emails and the feed update go out
// after commit.
func (s *Service) transact(ctx context.Context, id, tok string, action token.Action, fn func(ctx context.Context, tx storage.Tx, o models.Offer, all []models.Reservation, r models.Reservation, c *change) error) (models.Reservation, error) {
	cur, err := s.Store.GetReservation(ctx, id)
	if err != nil {
		return models.Reservation{}, err
	}
	o, err := s.Store.GetOffer(ctx, cur.OfferID)
	if err != nil {
		return models.Reservation{}, err
	}
	actor := o.Driver.Email
	if action == token.ActionCancelPassenger {
		actor = cur.Passenger.Email
	}
	if err := s.authorize(tok, action, id, actor); err != nil {
		return models.Reservation{}, err
	}

	var c change
	err = s.Store.WithOfferLock(ctx, cur.OfferID, func(tx storage.Tx) error {
		all, err := tx.Reservations(ctx)
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.ID == id {
				c.offer, c.reservation = tx.Offer(), r
				return fn(ctx, tx, c.offer, all, r, &c)
			}
		}
		return models.NotFound("réservation introuvable")
	})
	if err != nil {
		return models.Reservation{}, err
	}
	if !c.noop {
		s.deliver(ctx, c.emails)
		if c.projection != nil {
			s.publish(c.offer, c.projection)
		}
	}
	return c.reservation, nil
}

var statusFR = map[models.ReservationStatus]string{
	models.ReservationPending:   "en attente",
	models.ReservationConfirmed: "confirmée",
	models.ReservationRejected:  "refusée",
	models.ReservationCancelled: "annulée",
	models.ReservationExpired:   "expirée",
}

func illegal(r models.Reservation) error {
	return models.Conflict("la réservation est %s", statusFR[r.Status])
}

// Accept confirms a pending reservation. Accepting a confirmed one again
// succeeds without side effects.
func (s *Service) Accept(ctx context.Context, id, tok string) (models.Reservation, error) {
	var out models.Reservation
	err := s.run(ctx, "Accept", func(ctx context.Context) error {
		var err error
		out, err = s.transact(ctx, id, tok, token.ActionAccept, s.accept)
		return err
	})
	return out, err
}

func (s *Service) accept(ctx context.Context, tx storage.Tx, o models.Offer, all []models.Reservation, r models.Reservation, c *change) error {
	switch r.Status {
	case models.ReservationConfirmed:
		c.noop = true
		return nil
	case models.ReservationPending:
	default:
		return illegal(r)
	}
	if o.Status != models.OfferActive {
		return models.Conflict("cette offre n'est plus active")
	}
	now := s.now()
	if !now.Before(r.CreatedAt.Add(PendingTTL)) {
		return models.Conflict("la demande a expiré")
	}

	confirmed := models.Confirmed(all)
	legs := s.legs()
	before, err := s.accountant().Projector.Project(ctx, legs, o, confirmed, nil)
	if err != nil {
		return degradeRouting(err)
	}
	after, err := s.accountant().Admit(ctx, legs, o, confirmed, r, &before)
	if err != nil {
		return degradeRouting(err)
	}

	days := itinerary.AffectedDays(o, r)
	s.transition(r, models.ReservationConfirmed)
	r.PickupOutbound, r.DropoffReturn = after.TimesFor(r.ID)
	r.DetourOutbound, r.DetourReturn = itinerary.Marginal(before, after, days)
	r.Status, r.ConfirmedAt, r.UpdatedAt = models.ReservationConfirmed, &now, now
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return err
	}
	if err := s.restamp(ctx, tx, confirmed, &after); err != nil {
		return err
	}

	c.reservation, c.projection = r, &after
	c.emails = append(c.emails,
		s.confirmedEmail(o, r, &after),
		s.driverItinerary(o, &after, append(confirmed, r), r.Passenger.Name+" rejoint votre covoiturage."))
	for _, other := range shifted(o, &before, &after, confirmed, days) {
		c.emails = append(c.emails, s.passengerUpdate(o, &after, other))
	}
	return nil
}

// Refuse rejects a pending request. Refusing twice succeeds.
func (s *Service) Refuse(ctx context.Context, id, tok string) (models.Reservation, error) {
	var out models.Reservation
	err := s.run(ctx, "Refuse", func(ctx context.Context) error {
		var err error
		out, err = s.transact(ctx, id, tok, token.ActionRefuse, func(ctx context.Context, tx storage.Tx, o models.Offer, _ []models.Reservation, r models.Reservation, c *change) error {
			switch r.Status {
			case models.ReservationRejected:
				c.noop = true
				return nil
			case models.ReservationPending:
			default:
				return illegal(r)
			}
			now := s.now()
			s.transition(r, models.ReservationRejected)
			r.Status, r.UpdatedAt = models.ReservationRejected, now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			c.reservation = r
			c.emails = []dispatch.Email{notice(r.Passenger.Email, r.Passenger.Name, MailRefused,
				"Votre demande de covoiturage n'a pas été retenue",
				o.Driver.Name+" ne peut pas vous prendre en charge sur ce trajet.")}
			return nil
		})
		return err
	})
	return out, err
}

// CancelByPassenger withdraws a pending request or cancels a confirmed
// reservation. A confirmed reservation can only be cancelled while every
// affected trip starts more than CancelNotice from now.
func (s *Service) CancelByPassenger(ctx context.Context, id, tok string) (models.Reservation, error) {
	var out models.Reservation
	err := s.run(ctx, "CancelByPassenger", func(ctx context.Context) error {
		var err error
		out, err = s.transact(ctx, id, tok, token.ActionCancelPassenger, func(ctx context.Context, tx storage.Tx, o models.Offer, all []models.Reservation, r models.Reservation, c *change) error {
			switch r.Status {
			case models.ReservationCancelled:
				c.noop = true
				return nil
			case models.ReservationPending:
				return s.withdraw(ctx, tx, o, r, c)
			case models.ReservationConfirmed:
				if err := s.cancellable(o, r); err != nil {
					return err
				}
				return s.removeConfirmed(ctx, tx, o, all, r, c, false)
			}
			return illegal(r)
		})
		return err
	})
	return out, err
}

// RemoveByDriver drops a confirmed passenger. No notice period applies.
func (s *Service) RemoveByDriver(ctx context.Context, id, tok string) (models.Reservation, error) {
	var out models.Reservation
	err := s.run(ctx, "RemoveByDriver", func(ctx context.Context) error {
		var err error
		out, err = s.transact(ctx, id, tok, token.ActionRemovePassenger, func(ctx context.Context, tx storage.Tx, o models.Offer, all []models.Reservation, r models.Reservation, c *change) error {
			switch r.Status {
			case models.ReservationCancelled:
				c.noop = true
				return nil
			case models.ReservationConfirmed:
				return s.removeConfirmed(ctx, tx, o, all, r, c, true)
			}
			return illegal(r)
		})
		return err
	})
	return out, err
}

func (s *Service) cancellable(o models.Offer, r models.Reservation) error {
	now := s.now()
	limit := now.Add(CancelNotice)
	for _, d := range itinerary.AffectedDays(o, r).Days() {
		// d is the office arrival day; the pickup may fall the evening before
		start := models.NextOccurrence(now, d, o.ArrivalAtOffice)
		if at, ok := r.PickupOutbound[d]; ok {
			lead := (o.ArrivalAtOffice - at).Normalize()
			start = start.Add(-time.Duration(lead) * time.Minute)
		}
		if !start.After(limit) {
			return models.Conflict("annulation impossible moins de 24 h avant le trajet du %s (%s)",
				itinerary.DayNameFR(d), start.Format("02/01 15:04"))
		}
	}
	return nil
}

func (s *Service) withdraw(ctx context.Context, tx storage.Tx, o models.Offer, r models.Reservation, c *change) error {
	now := s.now()
	s.transition(r, models.ReservationCancelled)
	r.Status, r.CancelledAt, r.UpdatedAt = models.ReservationCancelled, &now, now
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return err
	}
	c.reservation = r
	c.emails = []dispatch.Email{
		notice(r.Passenger.Email, r.Passenger.Name, MailWithdrawn, "Votre demande de covoiturage est annulée",
			"Votre demande auprès de "+o.Driver.Name+" a bien été retirée."),
		notice(o.Driver.Email, o.Driver.Name, MailWithdrawnDriver, r.Passenger.Name+" a retiré sa demande",
			r.Passenger.Name+" a retiré sa demande de covoiturage. Aucune action n'est nécessaire."),
	}
	return nil
}

// removeConfirmed cancels r and re-sequences the remaining passengers,
// starting from the current orders so no detour grows.
func (s *Service) removeConfirmed(ctx context.Context, tx storage.Tx, o models.Offer, all []models.Reservation, r models.Reservation, c *change, byDriver bool) error {
	confirmed := models.Confirmed(all)
	remaining := make([]models.Reservation, 0, len(confirmed))
	for _, other := range confirmed {
		if other.ID != r.ID {
			remaining = append(remaining, other)
		}
	}

	legs := s.legs()
	before, err := s.accountant().Projector.Project(ctx, legs, o, confirmed, nil)
	if err != nil {
		return degradeRouting(err)
	}
	after, err := s.accountant().Projector.Project(ctx, legs, o, remaining, &before)
	if err != nil {
		return degradeRouting(err)
	}

	now := s.now()
	s.transition(r, models.ReservationCancelled)
	r.Status, r.CancelledAt, r.UpdatedAt = models.ReservationCancelled, &now, now
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return err
	}
	if err := s.restamp(ctx, tx, remaining, &after); err != nil {
		return err
	}

	subject := notice(r.Passenger.Email, r.Passenger.Name, MailCancelled, "Votre réservation est annulée",
		"Votre réservation avec "+o.Driver.Name+" est bien annulée.")
	intro := r.Passenger.Name + " a annulé sa réservation."
	if byDriver {
		subject = notice(r.Passenger.Email, r.Passenger.Name, MailRemoved, "Vous ne faites plus partie de ce covoiturage",
			o.Driver.Name+" vous a retiré de son covoiturage.")
		intro = "Vous avez retiré " + r.Passenger.Name + " de votre covoiturage."
	}
	c.reservation, c.projection = r, &after
	c.emails = append(c.emails, subject, s.driverItinerary(o, &after, remaining, intro))
	for _, other := range shifted(o, &before, &after, remaining, itinerary.AffectedDays(o, r)) {
		c.emails = append(c.emails, s.passengerUpdate(o, &after, other))
	}
	return nil
}

// restamp stores the projected times of confirmed reservations whose
// schedule changed.
func (s *Service) restamp(ctx context.Context, tx storage.Tx, confirmed []models.Reservation, p *itinerary.Projection) error {
	for _, r := range confirmed {
		pickup, dropoff := p.TimesFor(r.ID)
		if sameTimes(r.PickupOutbound, pickup) && sameTimes(r.DropoffReturn, dropoff) {
			continue
		}
		r.PickupOutbound, r.DropoffReturn, r.UpdatedAt = pickup, dropoff, s.now()
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func sameTimes(a, b models.DayTimes) bool {
	if len(a) != len(b) {
		return false
	}
	for d, t := range a {
		if u, ok := b[d]; !ok || u != t {
			return false
		}
	}
	return true
}
