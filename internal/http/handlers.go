package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/carpool"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/models"
)

// Options configures the HTTP surface around the service.
type Options struct {
	// CronKey, when set, must be sent as X-Cron-Key on /cron/*.
	CronKey     string
	CORSOrigins []string
	Logger      *slog.Logger
}

type Server struct {
	Service *carpool.Service
	Feed    *dispatch.FeedHub

	cronKey  string
	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(svc *carpool.Service, feed *dispatch.FeedHub, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Service: svc,
		Feed:    feed,
		cronKey: opts.CronKey,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	if len(opts.CORSOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.CORSOrigins))
		for _, o := range opts.CORSOrigins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	s.routes()
	s.registerMiddleware()
	s.handler = newCORSHandler(opts.CORSOrigins)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/offers", s.handleCreateOffer).Methods(http.MethodPost)
	s.mux.HandleFunc("/offers/{id}", s.handleGetOffer).Methods(http.MethodGet)
	s.mux.HandleFunc("/offers/{id}", s.handleCancelOffer).Methods(http.MethodDelete)
	s.mux.HandleFunc("/offers/{id}/cancel", s.handleCancelOffer).Methods(http.MethodGet)
	s.mux.HandleFunc("/offers/{id}/itinerary", s.handleDriverItinerary).Methods(http.MethodGet)
	s.mux.HandleFunc("/offers/{id}/feed", s.handleFeed).Methods(http.MethodGet)
	s.mux.HandleFunc("/reservations", s.handleRequestReservation).Methods(http.MethodPost)
	s.mux.HandleFunc("/reservations/{id}/{action:accept|refuse|cancel|remove}", s.handleReservationAction).Methods(http.MethodGet)
	s.mux.HandleFunc("/cron/expire", s.requireCronKey(s.handleExpire)).Methods(http.MethodPost)
	s.mux.HandleFunc("/cron/reminders", s.requireCronKey(s.handleReminders)).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var in carpool.OfferInput
	if !s.decode(w, r, &in) {
		return
	}
	o, err := s.Service.CreateOffer(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"offer_id": o.ID})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	view, err := s.Service.GetOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDriverItinerary(w http.ResponseWriter, r *http.Request) {
	view, err := s.Service.DriverItinerary(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.Service.CancelOffer(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOutcome(w, r, map[string]any{"offer_id": o.ID, "status": o.Status},
		"Votre offre de covoiturage est annulée. Les passagers ont été prévenus.")
}

func (s *Server) handleRequestReservation(w http.ResponseWriter, r *http.Request) {
	var in carpool.ReservationInput
	if !s.decode(w, r, &in) {
		return
	}
	receipt, err := s.Service.RequestReservation(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

var actionMessages = map[string]string{
	"accept": "Le passager est confirmé. Votre nouvel itinéraire vous a été envoyé par email.",
	"refuse": "La demande a été refusée. Le passager a été prévenu.",
	"cancel": "Votre réservation est annulée.",
	"remove": "Le passager a été retiré de votre covoiturage.",
}

func (s *Server) handleReservationAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action, tok := vars["id"], vars["action"], r.URL.Query().Get("token")

	var fn func(ctx context.Context, id, tok string) (models.Reservation, error)
	switch action {
	case "accept":
		fn = s.Service.Accept
	case "refuse":
		fn = s.Service.Refuse
	case "cancel":
		fn = s.Service.CancelByPassenger
	case "remove":
		fn = s.Service.RemoveByDriver
	}
	res, err := fn(r.Context(), id, tok)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOutcome(w, r, map[string]any{"reservation_id": res.ID, "status": res.Status}, actionMessages[action])
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	report, err := s.Service.ExpirePending(r.Context())
	if err != nil {
		// partial failures are already logged per item
		s.logger.Warn("expire pass incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	n, err := s.Service.SendReminders(r.Context())
	if err != nil {
		s.logger.Warn("reminder pass incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]int{"offers_reminded": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleFeed streams the offer's projection after every committed change.
// The first message is the current state.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.Service.GetOffer(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	session, unsubscribe := s.Feed.Subscribe(id, conn)
	defer func() {
		unsubscribe()
		_ = conn.Close()
	}()
	if err := session.Send(carpool.FeedEvent{OfferID: id, OfferStatus: view.Offer.Status, Projection: view.Projection}); err != nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) requireCronKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Cron-Key")), []byte(s.cronKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "clé cron invalide"})
			return
		}
		next(w, r)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		var me *models.Error
		if !errors.As(err, &me) {
			err = models.Validation("corps de requête JSON invalide")
		}
		s.writeError(w, r, err)
		return false
	}
	return true
}

type errorBody struct {
	Error   models.Kind `json:"error"`
	Message string      `json:"message"`
}

func statusFor(k models.Kind) int {
	switch k {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindStateConflict, models.KindBudgetExceeded:
		return http.StatusConflict
	case models.KindTokenInvalid:
		return http.StatusForbidden
	case models.KindRoutingUnavailable, models.KindServiceDegraded:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "kind", kind, "error", err,
			"request_id", requestIDFromContext(r.Context()))
	}
	body := errorBody{Error: kind, Message: models.MessageOf(err)}
	if wantsHTML(r) {
		writePage(w, status, "Action impossible", body.Message)
		return
	}
	writeJSON(w, status, body)
}

// writeOutcome answers email links with a page and API clients with JSON.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, v any, message string) {
	if wantsHTML(r) {
		writePage(w, http.StatusOK, "C'est fait", message)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="fr"><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;max-width:640px;margin:3em auto">
<h1>{{.Title}}</h1><p>{{.Message}}</p>
</body></html>`))

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = page.Execute(w, struct{ Title, Message string }{title, message})
}
