// Package metrics exposes Prometheus counters for the generation pipeline
// and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPRequests counts handled HTTP requests by route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by method, route, and status code.",
}, []string{"method", "route", "status"})

// HTTPDuration observes request latency per route.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pixelforge",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency in seconds.",
	Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"method", "route"})

// Generations counts generation requests by model and terminal outcome.
var Generations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "generation",
	Name:      "requests_total",
	Help:      "Total generation requests by model and outcome.",
}, []string{"model", "outcome"})

// CreditsDeducted counts credits reserved for generations.
var CreditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "credits",
	Name:      "deducted_total",
	Help:      "Total credits deducted for generation requests.",
})

// CreditsRefunded counts credits returned after failed generations.
var CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "credits",
	Name:      "refunded_total",
	Help:      "Total credits refunded for failed generations.",
})

// InsufficientCredits counts requests rejected for lack of balance.
var InsufficientCredits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "credits",
	Name:      "insufficient_total",
	Help:      "Total generation requests rejected for insufficient credits.",
})

// RateLimitHits counts requests rejected by the rate limiter.
var RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "http",
	Name:      "rate_limited_total",
	Help:      "Total requests rejected by the per-user rate limiter.",
})

// ReportsGenerated counts weekly report runs.
var ReportsGenerated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "report",
	Name:      "generated_total",
	Help:      "Total weekly reports generated.",
})

// AnomaliesDetected counts anomalies flagged on weekly reports by kind.
var AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "report",
	Name:      "anomalies_total",
	Help:      "Total report anomalies by kind.",
}, []string{"kind"})

// StaleRequestsResolved counts pending requests settled by the sweep.
var StaleRequestsResolved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "generation",
	Name:      "stale_resolved_total",
	Help:      "Total stuck pending requests settled by the reconciliation sweep.",
})

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
