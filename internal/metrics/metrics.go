package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_active_sessions",
			Help: "Authenticated sessions registered with the hub",
		},
	)

	// Business metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_messages_appended_total",
			Help: "Total messages committed to the message store",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_conversations_created_total",
			Help: "Total direct conversations created",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_events_delivered_total",
			Help: "Events queued for live sessions",
		},
		[]string{"event"},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_delivery_failures_total",
			Help: "Events that could not be queued for a session",
		},
		[]string{"reason"}, // "closed" or "slow_consumer"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_rate_limit_hits_total",
			Help: "Sends rejected by the rate limiter",
		},
	)
)
