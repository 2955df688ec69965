package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "routing_requests_total", Help: "Routing mirror requests by outcome"},
		[]string{"mirror", "outcome"},
	)
	RoutingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "carpool", Name: "routing_request_seconds", Help: "Routing mirror latency seconds", Buckets: prometheus.DefBuckets},
		[]string{"mirror"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "reservation_transitions_total", Help: "Reservation state transitions"},
		[]string{"from", "to"},
	)
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "admission_rejections_total", Help: "Reservations refused by the detour budget or seats"},
		[]string{"reason"},
	)
	ProjectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "projection_seconds", Help: "Itinerary projection latency seconds"})

	EmailsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "emails_enqueued_total", Help: "Emails handed to the mailer"},
		[]string{"kind"},
	)
	EmailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "emails_failed_total", Help: "Emails the mailer refused"},
		[]string{"kind"},
	)
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "feed_subscribers", Help: "Open itinerary feed websockets"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
