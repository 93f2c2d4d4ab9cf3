package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "care_matching"

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Matching passes by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Matching pass latency seconds"})

	AssignmentsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_resolved_total", Help: "Assignments resolved by final status"},
		[]string{"status"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Timeout sweep tick duration"})
	SweepExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_expired_total", Help: "Assignments expired by the sweeper"})
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_failures_total", Help: "Assignments the sweeper failed to expire"})

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "outbox_published_total", Help: "Outbox events delivered by topic"},
		[]string{"topic"},
	)
	OutboxErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "outbox_errors_total", Help: "Outbox publish failures"})

	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_failed_total", Help: "Caregiver notifications that could not be delivered"})
	CaregiversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "caregivers_connected", Help: "Caregivers with a live websocket session"})
	CancellationFees    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellation_fees_total", Help: "Late cancellation fee charges by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "consumer", Name: "messages_total", Help: "Location messages by result"},
		[]string{"result"},
	)
)
