// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts dispatcher decisions by outcome
	// (chosen, no_candidate, retry_exhausted).
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_dispatch_total",
		Help: "Total number of dispatcher decisions, by outcome.",
	}, []string{"outcome"})

	// DispatchScore observes the final score of chosen profiles.
	DispatchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sorad_dispatch_score",
		Help:    "Final score of the chosen profile per dispatch.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// DispatchCandidates observes how many profiles survived the hard filters.
	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sorad_dispatch_candidates",
		Help:    "Number of candidate profiles after hard filters per dispatch.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
	})

	// QuotaReservations tracks pending submit reservations seen at dispatch time.
	QuotaReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorad_quota_reservations",
		Help: "Pending submit reservations observed by the most recent dispatch.",
	})
)

// RecordDispatch increments the decision counter and observes the score for
// chosen outcomes.
func RecordDispatch(outcome string, score float64, candidates int) {
	DispatchTotal.WithLabelValues(outcome).Inc()
	if outcome == "chosen" {
		DispatchScore.Observe(score)
	}
	DispatchCandidates.Observe(float64(candidates))
}

// SetQuotaReservations sets the reservation gauge.
func SetQuotaReservations(n int) {
	QuotaReservations.Set(float64(n))
}
