// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration observes request latency by route pattern, method,
	// and status class. Route patterns keep cardinality bounded.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sorad_http_request_duration_seconds",
		Help:    "HTTP request duration, by route pattern, method and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// HTTPRequestsInFlight tracks concurrently served requests.
	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorad_http_requests_in_flight",
		Help: "Current number of HTTP requests being served.",
	})

	// AuthFailuresTotal counts rejected authentication attempts by cause.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_auth_failures_total",
		Help: "Total number of rejected authentication attempts, by cause.",
	}, []string{"cause"})
)

// RecordHTTPRequest observes one served request.
func RecordHTTPRequest(route, method, statusClass string, took time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, method, statusClass).Observe(took.Seconds())
}

// RecordAuthFailure increments the auth failure counter.
func RecordAuthFailure(cause string) {
	AuthFailuresTotal.WithLabelValues(cause).Inc()
}
