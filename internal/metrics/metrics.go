package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthFlowsStarted is a counter for authorization flows started.
	AuthFlowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunebridge_auth_flows_started_total",
			Help: "The total number of authorization flows started.",
		},
	)

	// AuthFlowsCompleted is a counter for authorization flows, by outcome.
	AuthFlowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunebridge_auth_flows_completed_total",
			Help: "The total number of authorization flows completed.",
		},
		[]string{"outcome"},
	)

	// TokenRefreshes is a counter for token refresh attempts, by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunebridge_token_refreshes_total",
			Help: "The total number of token refresh attempts.",
		},
		[]string{"outcome"},
	)

	// RefreshCoalesced is a counter for refresh calls that joined an
	// in-flight refresh instead of issuing their own.
	RefreshCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunebridge_token_refreshes_coalesced_total",
			Help: "The total number of refresh calls coalesced into an in-flight refresh.",
		},
	)

	// Requests is a counter for outbound API requests, by endpoint and result class.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunebridge_requests_total",
			Help: "The total number of outbound API requests.",
		},
		[]string{"endpoint", "result"},
	)

	// RequestRetries is a counter for retried outbound requests.
	RequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunebridge_request_retries_total",
			Help: "The total number of outbound request retries.",
		},
		[]string{"endpoint"},
	)

	// RequestDuration is a histogram of the time an outbound request takes,
	// including rate-limit waiting and retries.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunebridge_request_duration_seconds",
			Help:    "A histogram of the outbound request duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"endpoint"},
	)

	// RateLimitWait is a histogram of the time spent waiting for a
	// rate-limit token before a request is sent.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunebridge_rate_limit_wait_seconds",
			Help:    "A histogram of the time spent waiting for rate-limit tokens.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"endpoint"},
	)

	// RefreshJobsInFlight is a gauge of background refresh jobs currently running.
	RefreshJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunebridge_refresh_jobs_in_flight",
			Help: "The number of background token refresh jobs currently running.",
		},
	)
)
