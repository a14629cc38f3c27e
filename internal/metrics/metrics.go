package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nolang_api_requests_total",
			Help: "Requests sent to the NoLang API by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: ok or a retry class
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nolang_api_request_duration_seconds",
			Help:    "Latency of NoLang API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nolang_retries_total",
			Help: "Retries scheduled by the backoff policy",
		},
		[]string{"class"},
	)

	PollResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nolang_poll_results_total",
			Help: "Finished waits by result",
		},
		[]string{"result"}, // completed, failed, expired, timeout, canceled, error
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nolang_tool_calls_total",
			Help: "MCP tool invocations",
		},
		[]string{"tool", "success"},
	)

	ActivePolls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nolang_active_polls",
			Help: "Waits currently in progress",
		},
	)
)

// ObserveRequest records one finished API request.
func ObserveRequest(endpoint, outcome string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
