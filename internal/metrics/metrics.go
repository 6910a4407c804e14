// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "endpoint"},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_classifications_total",
			Help: "Task classifications by category and deciding stage",
		},
		[]string{"category", "source"},
	)

	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_upstream_attempts_total",
			Help: "Upstream attempts by model and outcome",
		},
		[]string{"model", "provider", "outcome"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_upstream_duration_seconds",
			Help:    "Duration of a candidate attempt including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_fallbacks_total",
			Help: "Silent fallbacks away from a candidate model",
		},
		[]string{"from_model"},
	)

	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_queue_wait_seconds",
			Help:    "Time spent waiting for a provider admission slot",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		},
		[]string{"provider"},
	)

	KeyCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_key_cooldowns_total",
			Help: "Credentials put into cooldown after a rate limit",
		},
		[]string{"provider"},
	)

	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_tokens_total",
			Help: "Tokens served by model and direction",
		},
		[]string{"model", "direction"},
	)

	CostUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_cost_units_total",
			Help: "Cost units charged to the ledger",
		},
		[]string{"model"},
	)

	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_ledger_errors_total",
			Help: "Failed ledger operations",
		},
		[]string{"operation"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(method, endpoint string, status int, started time.Time) {
	RequestCount.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(started).Seconds())
}
