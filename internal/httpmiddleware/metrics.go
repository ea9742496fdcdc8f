package httpmiddleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms for the engine's signal flow. Registered on the
// default registry and served by promhttp in cmd/api.
var (
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "QR check-in attempts by outcome.",
	}, []string{"outcome"})

	RSVPInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_rsvp_inbound_total",
		Help: "Inbound WhatsApp replies by classified intent.",
	}, []string{"intent"})

	RewardEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_reward_evaluations_total",
		Help: "Reward window evaluations by result.",
	}, []string{"result"})

	Overrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_manual_overrides_total",
		Help: "Manual attendance overrides applied by coaches.",
	})

	RSVPResponseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_rsvp_response_seconds",
		Help:    "Latency from reminder prompt sent to reply received.",
		Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
	})
)
