package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_active_sessions",
		Help: "Number of call sessions holding media or a peer connection",
	})
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_relay_connections",
		Help: "Number of open relay WebSocket connections",
	})
	RelaySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_relay_subscriptions",
		Help: "Number of live store subscriptions served by the relay",
	})
)

// Counters
var (
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_calls_total",
		Help: "Call attempts by role",
	}, []string{"role"})
	CallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_call_errors_total",
		Help: "Errors surfaced to the application by kind",
	}, []string{"kind"})
	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_ice_restarts_total",
		Help: "ICE restart offers written",
	})
	CandidatesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_candidates_sent_total",
		Help: "Local candidates appended to the store by outcome",
	}, []string{"outcome"})
	CandidatesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_candidates_received_total",
		Help: "Candidates delivered by the store by outcome",
	}, []string{"outcome"})
	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_relay_requests_total",
		Help: "Relay store operations by op and outcome",
	}, []string{"op", "outcome"})
)

// Histograms
var (
	OfferWaitAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peercall_offer_wait_attempts",
		Help:    "Store reads needed before a receiver saw the offer",
		Buckets: []float64{1, 2, 3, 5, 10, 15, 20, 25},
	})
	SetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peercall_setup_duration_ms",
		Help:    "Time from startCall/joinCall to the first connected state, in milliseconds",
		Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
	}, []string{"role"})
)
