// Package carpool is the reservation state machine. Every transition runs
// under the offer's row lock, re-projects the itinerary, commits, and only
// then hands the resulting emails to the mailer.
package carpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/itinerary"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/token"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	PendingTTL            = 24 * time.Hour
	CancelNotice          = 24 * time.Hour
	reminderTTL           = 36 * time.Hour
)

// Publisher receives the fresh projection after each committed transition.
type Publisher interface {
	Publish(offerID string, v any)
}

type Service struct {
	Store  storage.Store
	Router routing.Router
	Mailer dispatch.Mailer
	Tokens *token.Signer
	Clock  clock.Clock
	Feed   Publisher              // optional
	Ledger storage.ReminderLedger // optional; reminders are not deduplicated without it
	Logger *slog.Logger

	BaseURL        string
	RequestTimeout time.Duration
	// ProbeTimeout bounds each routing call made while pricing orderings.
	ProbeTimeout time.Duration
	TokenTTL     time.Duration

	Accountant *itinerary.Accountant
	NewID      func() string
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

var defaultAccountant = itinerary.NewAccountant()

func (s *Service) accountant() *itinerary.Accountant {
	if s.Accountant == nil {
		return defaultAccountant
	}
	return s.Accountant
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time { return s.Clock.Now() }

// legs returns a fresh request-scoped memo over the bounded router.
func (s *Service) legs() *routing.Memo {
	r := s.Router
	if s.ProbeTimeout > 0 {
		r = routing.Bounded(r, s.ProbeTimeout)
	}
	return routing.NewMemo(r)
}

// run applies the request deadline. Work cut short by it, or by routing
// failing mid-transition, surfaces as ServiceDegraded; the lock callback
// has returned an error by then so nothing was committed.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		err = models.Degraded(err)
	}
	return fmt.Errorf("carpool.Service.%s: %w", op, err)
}

// degradeRouting maps a routing failure inside a transition to
// ServiceDegraded.
func degradeRouting(err error) error {
	if errors.Is(err, models.ErrRoutingUnavailable) {
		return models.Degraded(err)
	}
	return err
}

// deliver hands emails to the mailer in order. Failures are logged and
// skipped; the transition is already committed.
func (s *Service) deliver(ctx context.Context, emails []dispatch.Email) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range emails {
		if err := s.Mailer.Send(ctx, e); err != nil {
			observability.EmailsFailed.WithLabelValues(e.Kind).Inc()
			s.logger().Warn("email not sent", "to", e.To, "kind", e.Kind, "error", err)
			continue
		}
		observability.EmailsEnqueued.WithLabelValues(e.Kind).Inc()
	}
}

// FeedEvent is what websocket subscribers of an offer receive.
type FeedEvent struct {
	OfferID     string                `json:"offer_id"`
	OfferStatus models.OfferStatus    `json:"offer_status"`
	Projection  *itinerary.Projection `json:"projection,omitempty"`
}

func (s *Service) publish(o models.Offer, p *itinerary.Projection) {
	if s.Feed == nil {
		return
	}
	s.Feed.Publish(o.ID, FeedEvent{OfferID: o.ID, OfferStatus: o.Status, Projection: p})
}

func (s *Service) transition(r models.Reservation, to models.ReservationStatus) {
	from := string(r.Status)
	if from == "" {
		from = "none"
	}
	observability.Transitions.WithLabelValues(from, string(to)).Inc()
	s.logger().Info("reservation transition",
		"offer_id", r.OfferID, "reservation_id", r.ID, "from", from, "to", to)
}

func (s *Service) mint(action token.Action, resourceID, email string) string {
	ttl := s.TokenTTL
	if action.ReadOnly() {
		ttl = token.ReadTTL
	}
	tok, err := s.Tokens.MintAt(action, resourceID, email, ttl, s.now())
	if err != nil {
		// Actions are constants; this only fires on a programming error.
		s.logger().Error("mint token", "action", action, "error", err)
		return ""
	}
	return tok
}

// authorize checks tok grants action on resourceID for email.
func (s *Service) authorize(tok string, action token.Action, resourceID, email string) error {
	if _, err := s.Tokens.Authorize(tok, action, resourceID, email, s.now()); err != nil {
		return models.TokenInvalid(token.Reason(err))
	}
	return nil
}
