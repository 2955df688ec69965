package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/carpool"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/token"
)

const offerBody = `{
	"driver": {"email": "dora@example.com", "name": "Dora"},
	"home": {"address": "12 rue des Lilas", "coord": [2.879, 50.200]},
	"office": {"address": "Parc d'activités", "coord": [2.756, 50.291]},
	"arrival_at_office": "08:00",
	"departure_from_office": "18:00",
	"days": ["mon", "tue", "wed", "thu", "fri"],
	"seats": 3
}`

const reservationBody = `{
	"offer_id": "id-a",
	"passenger": {"email": "alice@example.com", "name": "Alice"},
	"pickup": {"address": "Arrêt Alice", "coord": [2.850, 50.220]},
	"days": ["mon", "wed"]
}`

type crowRouter struct{}

func (crowRouter) Route(_ context.Context, wps []models.Coord, _ bool) (routing.Result, error) {
	var d float64
	for i := 1; i < len(wps); i++ {
		d += geo.Distance(wps[i-1], wps[i])/12.5 + 120
	}
	return routing.Result{Primary: models.Route{DurationSeconds: d, Geometry: wps}}, nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []dispatch.Email
}

func (m *recordingMailer) Send(_ context.Context, e dispatch.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return nil
}

type testEnv struct {
	srv    *Server
	svc    *carpool.Service
	feed   *dispatch.FeedHub
	mailer *recordingMailer
	clock  *clock.FakeClock
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ids := 0
	env := &testEnv{
		mailer: &recordingMailer{},
		clock:  clock.Fake(time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)),
		feed:   dispatch.NewFeedHub(logging.Discard()),
	}
	env.svc = &carpool.Service{
		Store:   storage.NewMemoryStore(),
		Router:  crowRouter{},
		Mailer:  env.mailer,
		Tokens:  token.NewSigner("test-secret"),
		Clock:   env.clock,
		Feed:    env.feed,
		Ledger:  storage.NewMemoryLedger(),
		Logger:  logging.Discard(),
		BaseURL: "https://carpool.example.com",
		NewID: func() string {
			ids++
			return "id-" + string(rune('a'+ids-1))
		},
	}
	opts.Logger = logging.Discard()
	env.srv = NewServer(env.svc, env.feed, opts)
	return env
}

func (e *testEnv) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) mint(t *testing.T, action token.Action, id, email string) string {
	t.Helper()
	tok, err := e.svc.Tokens.MintAt(action, id, email, 0, e.clock.Now())
	require.NoError(t, err)
	return tok
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateAndGetOffer(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/offers", offerBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "id-a", created["offer_id"])

	rec = env.do(http.MethodGet, "/offers/id-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view carpool.OfferView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Empty(t, view.Offer.Driver.Email)
	assert.Equal(t, "Dora", view.Offer.Driver.Name)
	require.NotNil(t, view.Projection)
	mon, ok := view.Projection.Day(models.Monday)
	require.True(t, ok)
	require.Len(t, mon.Outbound.Stops, 2)
	assert.Equal(t, "07:40", mon.Outbound.Stops[0].Time.String())
	assert.Equal(t, "08:00", mon.Outbound.Stops[1].Time.String())
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, Options{})

	cases := map[string]struct {
		method, target, body string
		status               int
		kind                 models.Kind
	}{
		"malformed json":   {http.MethodPost, "/offers", `{"seats":`, http.StatusBadRequest, models.KindValidation},
		"bad coordinates":  {http.MethodPost, "/offers", `{"home":{"coord":[1]}}`, http.StatusBadRequest, models.KindValidation},
		"missing fields":   {http.MethodPost, "/offers", `{}`, http.StatusBadRequest, models.KindValidation},
		"unknown offer":    {http.MethodGet, "/offers/nope", "", http.StatusNotFound, models.KindNotFound},
		"unknown booking":  {http.MethodGet, "/reservations/nope/accept?token=x", "", http.StatusNotFound, models.KindNotFound},
		"booking no offer": {http.MethodPost, "/reservations", reservationBody, http.StatusNotFound, models.KindNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(tc.method, tc.target, tc.body, nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeError(t, rec)
			assert.Equal(t, tc.kind, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(models.KindStateConflict))
	assert.Equal(t, http.StatusConflict, statusFor(models.KindBudgetExceeded))
	assert.Equal(t, http.StatusForbidden, statusFor(models.KindTokenInvalid))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.KindRoutingUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.KindServiceDegraded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.KindInternal))
}

func TestReservationLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/offers", offerBody, nil).Code)

	rec := env.do(http.MethodPost, "/reservations", reservationBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt carpool.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "id-b", receipt.ReservationID)
	assert.NotEmpty(t, receipt.CancelToken)

	// passenger token cannot accept
	rec = env.do(http.MethodGet, "/reservations/id-b/accept?token="+receipt.CancelToken, "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, models.KindTokenInvalid, decodeError(t, rec).Error)

	tok := env.mint(t, token.ActionAccept, "id-b", "dora@example.com")
	rec = env.do(http.MethodGet, "/reservations/id-b/accept?token="+tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "confirmed", res["status"])

	rec = env.do(http.MethodGet, "/offers/id-a", "", nil)
	var view carpool.OfferView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Reservations, 1)
	assert.Empty(t, view.Reservations[0].Passenger.Email)
	mon, _ := view.Projection.Day(models.Monday)
	assert.Equal(t, 1, mon.SeatsTaken)
	assert.Equal(t, 2, mon.SeatsLeft)

	// a second refuse on a confirmed booking is illegal
	tok = env.mint(t, token.ActionRefuse, "id-b", "dora@example.com")
	rec = env.do(http.MethodGet, "/reservations/id-b/refuse?token="+tok, "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.KindStateConflict, decodeError(t, rec).Error)

	rec = env.do(http.MethodGet, "/reservations/id-b/cancel?token="+receipt.CancelToken, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestActionLinkServesHTML(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/offers", offerBody, nil).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/reservations", reservationBody, nil).Code)

	html := map[string]string{"Accept": "text/html,application/xhtml+xml"}
	tok := env.mint(t, token.ActionAccept, "id-b", "dora@example.com")
	rec := env.do(http.MethodGet, "/reservations/id-b/accept?token="+tok, "", html)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Le passager est confirmé")

	rec = env.do(http.MethodGet, "/reservations/id-b/accept?token=garbage", "", html)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Action impossible")
}

func TestCancelOfferByEmailLink(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/offers", offerBody, nil).Code)

	tok := env.mint(t, token.ActionCancelOffer, "id-a", "dora@example.com")
	rec := env.do(http.MethodGet, "/offers/id-a/cancel?token="+tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// already cancelled is a no-op
	rec = env.do(http.MethodDelete, "/offers/id-a?token="+tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cancelled", body["status"])
}

func TestDriverItineraryLink(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/offers", offerBody, nil).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/reservations", reservationBody, nil).Code)
	tok := env.mint(t, token.ActionAccept, "id-b", "dora@example.com")
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/reservations/id-b/accept?token="+tok, "", nil).Code)

	rec := env.do(http.MethodGet, "/offers/id-a/itinerary?token="+tok, "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	tok = env.mint(t, token.ActionViewItinerary, "id-a", "dora@example.com")
	env.clock.Advance(20 * 24 * time.Hour)
	rec = env.do(http.MethodGet, "/offers/id-a/itinerary?token="+tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view carpool.OfferView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "dora@example.com", view.Offer.Driver.Email)
	require.Len(t, view.Reservations, 1)
	assert.Equal(t, "alice@example.com", view.Reservations[0].Passenger.Email)
}

func TestCronRequiresKey(t *testing.T) {
	env := newTestEnv(t, Options{CronKey: "s3cret"})

	rec := env.do(http.MethodPost, "/cron/expire", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/cron/expire", "", map[string]string{"X-Cron-Key": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var report carpool.ExpireReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Reservations)

	rec = env.do(http.MethodPost, "/cron/reminders", "", map[string]string{"X-Cron-Key": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"offers_reminded":0}`, rec.Body.String())
}

func TestCronExpiresStaleRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/offers", offerBody, nil).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/reservations", reservationBody, nil).Code)

	env.clock.Advance(25 * time.Hour)
	rec := env.do(http.MethodPost, "/cron/expire", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reservations_expired":1,"offers_expired":0}`, rec.Body.String())
}

func TestRequestIDAndHealth(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Options{CORSOrigins: []string{"https://app.example.com"}})

	rec := env.do(http.MethodOptions, "/offers", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodOptions, "/offers", "", map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestFeedStreamsProjection(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.srv)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/offers", "application/json", bytes.NewBufferString(offerBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/offers/id-a/feed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first carpool.FeedEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "id-a", first.OfferID)
	assert.Equal(t, models.OfferActive, first.OfferStatus)
	require.NotNil(t, first.Projection)

	require.Eventually(t, func() bool { return env.feed.Subscribers("id-a") == 1 }, time.Second, 5*time.Millisecond)

	tok := env.mint(t, token.ActionCancelOffer, "id-a", "dora@example.com")
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/offers/id-a?token="+tok, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var next carpool.FeedEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, models.OfferCancelled, next.OfferStatus)
	assert.Nil(t, next.Projection)
}

func TestFeedUnknownOffer(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.srv)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/offers/nope/feed", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
