package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "providers_online", Help: "Providers currently subscribed into the zone index"})
	WSSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_sessions", Help: "Live websocket sessions"})
	ActiveBindings  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "active_ride_bindings", Help: "Rides currently bound to two live connections"})

	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Ride requests received"})
	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers fanned out to candidates"})
	AcceptsWon     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_won_total", Help: "Accept attempts that won the conditional update"})
	AcceptsLost    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_lost_total", Help: "Accept attempts that lost the race"})
	OTPRejections  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "otp_rejections_total", Help: "Start/complete attempts with a wrong code"})

	RidesTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_terminal_total", Help: "Rides reaching a terminal state"},
		[]string{"status"},
	)

	CandidateSearchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "candidate_search_size",
		Help:      "Candidates returned per ride request",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
