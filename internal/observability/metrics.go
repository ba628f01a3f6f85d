package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedbackSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "tukerank", Name: "feedback_submissions_total", Help: "Feedback submissions by outcome"},
		[]string{"outcome"},
	)
	FeedbackCommitRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tukerank", Name: "feedback_commit_retries_total", Help: "Retries inside the feedback commit loop"})
	ReconciliationsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tukerank", Name: "feedback_reconciliations_total", Help: "Rides flagged for manual reconciliation"})

	ClassifierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tukerank",
		Name:      "classifier_latency_seconds",
		Help:      "Latency of external classifier calls",
		Buckets:   prometheus.DefBuckets,
	})
	ClassifierErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tukerank", Name: "classifier_errors_total", Help: "Failed classifier calls"})

	RidesBookedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tukerank", Name: "rides_booked_total", Help: "Total rides booked"})
	DriverSessions   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "tukerank", Name: "driver_ws_sessions", Help: "Connected driver websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "tukerank", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tukerank",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
