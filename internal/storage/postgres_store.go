package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

const uniqueViolation = "23505"

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStore: open: %w", err)
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewPostgresStore: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const offerColumns = `id, driver_email, driver_name, driver_phone, home_address, home_lon, home_lat,
	office_address, office_lon, office_lat, arrival_minute, departure_minute, days, seats,
	max_detour_minutes, max_detour_km, outbound_route, return_route, status, valid_until,
	created_at, updated_at`

const reservationColumns = `id, offer_id, passenger_email, passenger_name, passenger_phone,
	pickup_address, pickup_lon, pickup_lat, days, pickup_outbound, dropoff_return,
	detour_outbound, detour_return, status, created_at, confirmed_at, cancelled_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o models.Offer) error {
	out, err := json.Marshal(o.Outbound)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.CreateOffer: %w", err)
	}
	ret, err := json.Marshal(o.Return)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.CreateOffer: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, o.Driver.Email, o.Driver.Name, o.Driver.Phone, o.Home.Address, o.Home.Coord.Lon, o.Home.Coord.Lat,
		o.Office.Address, o.Office.Coord.Lon, o.Office.Coord.Lat, int(o.ArrivalAtOffice), int(o.DepartureFromOffice),
		int(o.Days), o.Seats, o.MaxDetourMinutes, o.MaxDetourKm, string(out), string(ret), string(o.Status), o.ValidUntil,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.CreateOffer: %w", mapPQError(err))
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		return models.Offer{}, fmt.Errorf("storage.PostgresStore.GetOffer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListActiveOffers(ctx context.Context) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListActiveOffers: %w", err)
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.PostgresStore.ListActiveOffers: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListActiveOffers: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	r, err := scanReservation(p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		return models.Reservation{}, fmt.Errorf("storage.PostgresStore.GetReservation: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListReservations(ctx context.Context, offerID string) ([]models.Reservation, error) {
	return listReservations(ctx, p.db, `WHERE offer_id = $1`, offerID)
}

func (p *PostgresStore) ListActiveReservationsByEmail(ctx context.Context, email string) ([]models.Reservation, error) {
	return listReservations(ctx, p.db, `WHERE lower(passenger_email) = $1 AND status IN ('pending','confirmed')`, normEmail(email))
}

func (p *PostgresStore) ListPendingCreatedBefore(ctx context.Context, t time.Time) ([]models.Reservation, error) {
	return listReservations(ctx, p.db, `WHERE status = 'pending' AND created_at < $1`, t)
}

func listReservations(ctx context.Context, q queryer, where string, args ...any) ([]models.Reservation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.listReservations: %w", err)
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.listReservations: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.listReservations: %w", err)
	}
	return out, nil
}

// WithOfferLock opens a transaction and takes the offer row with
// SELECT ... FOR UPDATE; concurrent transitions on the same offer queue
// behind it while other offers proceed.
func (p *PostgresStore) WithOfferLock(ctx context.Context, offerID string, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.WithOfferLock: begin: %w", err)
	}
	defer sqlTx.Rollback()

	o, err := scanOffer(sqlTx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, offerID))
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.WithOfferLock: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx, offer: o}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage.PostgresStore.WithOfferLock: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx    *sql.Tx
	offer models.Offer
}

func (t *pgTx) Offer() models.Offer { return t.offer }

func (t *pgTx) Reservations(ctx context.Context) ([]models.Reservation, error) {
	return listReservations(ctx, t.tx, `WHERE offer_id = $1`, t.offer.ID)
}

func (t *pgTx) InsertReservation(ctx context.Context, r models.Reservation) error {
	out, ret, err := encodeDayTimes(r)
	if err != nil {
		return fmt.Errorf("storage.pgTx.InsertReservation: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO reservations(`+reservationColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.OfferID, r.Passenger.Email, r.Passenger.Name, r.Passenger.Phone,
		r.Pickup.Address, r.Pickup.Coord.Lon, r.Pickup.Coord.Lat, int(r.Days), out, ret,
		r.DetourOutbound, r.DetourReturn, string(r.Status), r.CreatedAt, r.ConfirmedAt, r.CancelledAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage.pgTx.InsertReservation: %w", mapPQError(err))
	}
	return nil
}

func (t *pgTx) UpdateReservation(ctx context.Context, r models.Reservation) error {
	out, ret, err := encodeDayTimes(r)
	if err != nil {
		return fmt.Errorf("storage.pgTx.UpdateReservation: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE reservations SET pickup_outbound=$1, dropoff_return=$2,
		detour_outbound=$3, detour_return=$4, status=$5, confirmed_at=$6, cancelled_at=$7, updated_at=$8
		WHERE id=$9 AND offer_id=$10`,
		out, ret, r.DetourOutbound, r.DetourReturn, string(r.Status), r.ConfirmedAt, r.CancelledAt, r.UpdatedAt, r.ID, t.offer.ID)
	if err != nil {
		return fmt.Errorf("storage.pgTx.UpdateReservation: %w", mapPQError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound("réservation introuvable")
	}
	return nil
}

func (t *pgTx) UpdateOffer(ctx context.Context, o models.Offer) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE offers SET status=$1, valid_until=$2, updated_at=$3 WHERE id=$4`,
		string(o.Status), o.ValidUntil, o.UpdatedAt, t.offer.ID)
	if err != nil {
		return fmt.Errorf("storage.pgTx.UpdateOffer: %w", err)
	}
	t.offer = o
	return nil
}

// encodeDayTimes returns JSON text; lib/pq binds []byte as bytea, which
// jsonb columns reject.
func encodeDayTimes(r models.Reservation) (out, ret string, err error) {
	o, err := json.Marshal(orEmpty(r.PickupOutbound))
	if err != nil {
		return "", "", err
	}
	b, err := json.Marshal(orEmpty(r.DropoffReturn))
	if err != nil {
		return "", "", err
	}
	return string(o), string(b), nil
}

func orEmpty(dt models.DayTimes) models.DayTimes {
	if dt == nil {
		return models.DayTimes{}
	}
	return dt
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		o                  models.Offer
		arrival, departure int
		days               int
		status             string
		out, ret           []byte
		validUntil         sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Driver.Email, &o.Driver.Name, &o.Driver.Phone, &o.Home.Address, &o.Home.Coord.Lon, &o.Home.Coord.Lat,
		&o.Office.Address, &o.Office.Coord.Lon, &o.Office.Coord.Lat, &arrival, &departure, &days, &o.Seats,
		&o.MaxDetourMinutes, &o.MaxDetourKm, &out, &ret, &status, &validUntil, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, models.NotFound("offre introuvable")
	}
	if err != nil {
		return models.Offer{}, err
	}
	o.ArrivalAtOffice = models.TimeOfDay(arrival)
	o.DepartureFromOffice = models.TimeOfDay(departure)
	o.Days = models.DaySet(days)
	o.Status = models.OfferStatus(status)
	if validUntil.Valid {
		v := validUntil.Time
		o.ValidUntil = &v
	}
	if err := json.Unmarshal(out, &o.Outbound); err != nil {
		return models.Offer{}, fmt.Errorf("decode outbound route: %w", err)
	}
	if err := json.Unmarshal(ret, &o.Return); err != nil {
		return models.Offer{}, fmt.Errorf("decode return route: %w", err)
	}
	return o, nil
}

func scanReservation(row rowScanner) (models.Reservation, error) {
	var (
		r                    models.Reservation
		days                 int
		status               string
		out, ret             []byte
		confirmed, cancelled sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OfferID, &r.Passenger.Email, &r.Passenger.Name, &r.Passenger.Phone,
		&r.Pickup.Address, &r.Pickup.Coord.Lon, &r.Pickup.Coord.Lat, &days, &out, &ret,
		&r.DetourOutbound, &r.DetourReturn, &status, &r.CreatedAt, &confirmed, &cancelled, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, models.NotFound("réservation introuvable")
	}
	if err != nil {
		return models.Reservation{}, err
	}
	r.Days = models.DaySet(days)
	r.Status = models.ReservationStatus(status)
	if confirmed.Valid {
		v := confirmed.Time
		r.ConfirmedAt = &v
	}
	if cancelled.Valid {
		v := cancelled.Time
		r.CancelledAt = &v
	}
	if err := json.Unmarshal(out, &r.PickupOutbound); err != nil {
		return models.Reservation{}, fmt.Errorf("decode pickup times: %w", err)
	}
	if err := json.Unmarshal(ret, &r.DropoffReturn); err != nil {
		return models.Reservation{}, fmt.Errorf("decode dropoff times: %w", err)
	}
	return r, nil
}

// mapPQError turns a unique violation into a StateConflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.Conflict("une demande est déjà en cours pour ce passager sur cette offre")
	}
	return err
}
