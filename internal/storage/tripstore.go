package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// Store defines persistence operations for offers and their reservations.
// Reads outside WithOfferLock see committed state only.
type Store interface {
	CreateOffer(ctx context.Context, o models.Offer) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListActiveOffers(ctx context.Context) ([]models.Offer, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	ListReservations(ctx context.Context, offerID string) ([]models.Reservation, error)
	// ListActiveReservationsByEmail returns pending and confirmed
	// reservations of a passenger across all offers.
	ListActiveReservationsByEmail(ctx context.Context, email string) ([]models.Reservation, error)
	ListPendingCreatedBefore(ctx context.Context, t time.Time) ([]models.Reservation, error)

	// WithOfferLock runs fn holding an exclusive lock on the offer. Changes
	// made through tx are committed when fn returns nil and discarded
	// otherwise.
	WithOfferLock(ctx context.Context, offerID string, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of one locked offer.
type Tx interface {
	Offer() models.Offer
	Reservations(ctx context.Context) ([]models.Reservation, error)
	// InsertReservation fails with a StateConflict when the passenger
	// already holds a pending or confirmed reservation on the offer.
	InsertReservation(ctx context.Context, r models.Reservation) error
	UpdateReservation(ctx context.Context, r models.Reservation) error
	UpdateOffer(ctx context.Context, o models.Offer) error
}

func normEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

func isActive(s models.ReservationStatus) bool {
	return s == models.ReservationPending || s == models.ReservationConfirmed
}

type MemoryStore struct {
	mu           sync.RWMutex
	offers       map[string]models.Offer
	reservations map[string]models.Reservation

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:       make(map[string]models.Offer),
		reservations: make(map[string]models.Reservation),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) CreateOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return models.Conflict("offre %s déjà existante", o.ID)
	}
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, models.NotFound("offre introuvable")
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) ListActiveOffers(_ context.Context) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.Status == models.OfferActive {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, models.NotFound("réservation introuvable")
	}
	return cloneReservation(r), nil
}

func (m *MemoryStore) ListReservations(_ context.Context, offerID string) ([]models.Reservation, error) {
	return m.filter(func(r models.Reservation) bool { return r.OfferID == offerID }), nil
}

func (m *MemoryStore) ListActiveReservationsByEmail(_ context.Context, email string) ([]models.Reservation, error) {
	email = normEmail(email)
	return m.filter(func(r models.Reservation) bool {
		return isActive(r.Status) && normEmail(r.Passenger.Email) == email
	}), nil
}

func (m *MemoryStore) ListPendingCreatedBefore(_ context.Context, t time.Time) ([]models.Reservation, error) {
	return m.filter(func(r models.Reservation) bool {
		return r.Status == models.ReservationPending && r.CreatedAt.Before(t)
	}), nil
}

// filter returns matching reservations ordered by creation then id.
func (m *MemoryStore) filter(keep func(models.Reservation) bool) []models.Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if keep(r) {
			out = append(out, cloneReservation(r))
		}
	}
	sortReservations(out)
	return out
}

func sortReservations(rs []models.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (m *MemoryStore) offerLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *MemoryStore) WithOfferLock(ctx context.Context, offerID string, fn func(tx Tx) error) error {
	l := m.offerLock(offerID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	o, err := m.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	rs, _ := m.ListReservations(ctx, offerID)
	tx := &memTx{store: m, offer: o, reservations: rs}
	if err := fn(tx); err != nil {
		return err
	}
	// A deadline hit inside fn discards the staged writes.
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error { return nil }

// memTx stages writes and applies them on commit.
type memTx struct {
	store        *MemoryStore
	offer        models.Offer
	offerDirty   bool
	reservations []models.Reservation
	dirty        map[string]bool
}

func (t *memTx) Offer() models.Offer { return cloneOffer(t.offer) }

func (t *memTx) Reservations(context.Context) ([]models.Reservation, error) {
	out := make([]models.Reservation, len(t.reservations))
	for i, r := range t.reservations {
		out[i] = cloneReservation(r)
	}
	return out, nil
}

func (t *memTx) InsertReservation(_ context.Context, r models.Reservation) error {
	for _, cur := range t.reservations {
		if cur.ID == r.ID {
			return models.Conflict("réservation %s déjà existante", r.ID)
		}
		if isActive(cur.Status) && normEmail(cur.Passenger.Email) == normEmail(r.Passenger.Email) {
			return models.Conflict("une demande est déjà en cours pour %s sur cette offre", r.Passenger.Email)
		}
	}
	t.reservations = append(t.reservations, cloneReservation(r))
	t.markDirty(r.ID)
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r models.Reservation) error {
	for i, cur := range t.reservations {
		if cur.ID == r.ID {
			t.reservations[i] = cloneReservation(r)
			t.markDirty(r.ID)
			return nil
		}
	}
	return models.NotFound("réservation introuvable")
}

func (t *memTx) UpdateOffer(_ context.Context, o models.Offer) error {
	if o.ID != t.offer.ID {
		return models.Internal(errors.New("storage: offer id mismatch"))
	}
	t.offer = cloneOffer(o)
	t.offerDirty = true
	return nil
}

func (t *memTx) markDirty(id string) {
	if t.dirty == nil {
		t.dirty = make(map[string]bool)
	}
	t.dirty[id] = true
}

func (t *memTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.offerDirty {
		m.offers[t.offer.ID] = t.offer
	}
	for _, r := range t.reservations {
		if t.dirty[r.ID] {
			m.reservations[r.ID] = r
		}
	}
	return nil
}

func cloneOffer(o models.Offer) models.Offer {
	o.Outbound.Geometry = append([]models.Coord(nil), o.Outbound.Geometry...)
	o.Return.Geometry = append([]models.Coord(nil), o.Return.Geometry...)
	if o.ValidUntil != nil {
		v := *o.ValidUntil
		o.ValidUntil = &v
	}
	return o
}

func cloneReservation(r models.Reservation) models.Reservation {
	r.PickupOutbound = cloneDayTimes(r.PickupOutbound)
	r.DropoffReturn = cloneDayTimes(r.DropoffReturn)
	for _, p := range []**time.Time{&r.ConfirmedAt, &r.CancelledAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return r
}

func cloneDayTimes(dt models.DayTimes) models.DayTimes {
	if dt == nil {
		return nil
	}
	out := make(models.DayTimes, len(dt))
	for k, v := range dt {
		out[k] = v
	}
	return out
}
