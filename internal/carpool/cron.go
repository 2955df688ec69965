package carpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/itinerary"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// ExpireReport counts what one ExpirePending pass changed.
type ExpireReport struct {
	Reservations int `json:"reservations_expired"`
	Offers       int `json:"offers_expired"`
}

// ExpirePending expires requests left pending for more than PendingTTL and
// ends offers past their valid_until date. Failures on one item are logged
// and do not stop the pass.
func (s *Service) ExpirePending(ctx context.Context) (ExpireReport, error) {
	var (
		report ExpireReport
		errs   []error
	)
	now := s.now()
	// expireOne rechecks the exact age under the lock
	pending, err := s.Store.ListPendingCreatedBefore(ctx, now.Add(-PendingTTL+time.Second))
	if err != nil {
		return report, fmt.Errorf("carpool.Service.ExpirePending: %w", err)
	}
	for _, p := range pending {
		expired, err := s.expireOne(ctx, p)
		if err != nil {
			s.logger().Warn("expire reservation", "reservation_id", p.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if expired {
			report.Reservations++
		}
	}

	offers, err := s.Store.ListActiveOffers(ctx)
	if err != nil {
		return report, fmt.Errorf("carpool.Service.ExpirePending: %w", err)
	}
	for _, o := range offers {
		if o.ValidUntil == nil || now.Before(*o.ValidUntil) {
			continue
		}
		if _, err := s.endOffer(ctx, o.ID, models.OfferExpired); err != nil {
			s.logger().Warn("expire offer", "offer_id", o.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		report.Offers++
	}
	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("carpool.Service.ExpirePending: %w", err)
	}
	return report, nil
}

func (s *Service) expireOne(ctx context.Context, p models.Reservation) (bool, error) {
	var email *dispatch.Email
	err := s.Store.WithOfferLock(ctx, p.OfferID, func(tx storage.Tx) error {
		all, err := tx.Reservations(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		for _, r := range all {
			if r.ID != p.ID {
				continue
			}
			// accepted or withdrawn since the listing
			if r.Status != models.ReservationPending || now.Before(r.CreatedAt.Add(PendingTTL)) {
				return nil
			}
			s.transition(r, models.ReservationExpired)
			r.Status, r.UpdatedAt = models.ReservationExpired, now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			o := tx.Offer()
			e := notice(r.Passenger.Email, r.Passenger.Name, MailExpired, "Votre demande de covoiturage a expiré",
				o.Driver.Name+" n'a pas répondu à votre demande dans les 24 heures. Vous pouvez chercher un autre trajet.")
			email = &e
			return nil
		}
		return nil
	})
	if err != nil || email == nil {
		return false, err
	}
	s.deliver(ctx, []dispatch.Email{*email})
	return true, nil
}

// SendReminders emails tomorrow's itinerary to the driver and riders of
// every active offer running tomorrow. The ledger keeps it to one reminder
// per offer and date however often the trigger fires.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.now()
	tomorrow := now.AddDate(0, 0, 1)
	day := models.WeekdayOf(tomorrow)

	offers, err := s.Store.ListActiveOffers(ctx)
	if err != nil {
		return 0, fmt.Errorf("carpool.Service.SendReminders: %w", err)
	}
	var (
		sent int
		errs []error
	)
	for _, o := range offers {
		if !o.Days.Has(day) {
			continue
		}
		if o.ValidUntil != nil && o.ValidUntil.Before(tomorrow) {
			continue
		}
		ok, err := s.remind(ctx, o, day, storage.ReminderKey(o.ID, tomorrow))
		if err != nil {
			s.logger().Warn("send reminder", "offer_id", o.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return sent, fmt.Errorf("carpool.Service.SendReminders: %w", err)
	}
	return sent, nil
}

func (s *Service) remind(ctx context.Context, o models.Offer, day models.Weekday, key string) (bool, error) {
	all, err := s.Store.ListReservations(ctx, o.ID)
	if err != nil {
		return false, err
	}
	var riders []models.Reservation
	for _, r := range models.Confirmed(all) {
		if r.Days.Has(day) {
			riders = append(riders, r)
		}
	}
	proj, err := s.accountant().Projector.Project(ctx, s.legs(), o, riders, nil)
	if err != nil {
		return false, err
	}

	if s.Ledger != nil {
		claimed, err := s.Ledger.Claim(ctx, key, reminderTTL)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
	}

	only := models.NewDaySet(day)
	emails := []dispatch.Email{compose(o.Driver.Email, MailReminderDriver, "Rappel : covoiturage demain", mailData{
		Name:     o.Driver.Name,
		Intro:    fmt.Sprintf("Demain (%s), vous transportez %d passager(s).", itinerary.DayNameFR(day), len(riders)),
		Sections: []section{{Title: "Itinéraire de demain", Days: dayBlocks(o, &proj, only)}},
	})}
	for _, r := range riders {
		emails = append(emails, compose(r.Passenger.Email, MailReminderPassenger, "Rappel : covoiturage demain", mailData{
			Name:  r.Passenger.Name,
			Intro: o.Driver.Name + " vous prend en charge demain à " + r.Pickup.Address + ".",
			Times: passengerTimes(&proj, r.ID, only),
			Links: []link{s.passengerCancelLink(r)},
		}))
	}
	s.deliver(ctx, emails)
	return true, nil
}
