// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides Prometheus metrics for the sorad task-execution
// subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// No cardinality explosion: job_id, profile_id, and owner never appear as
// label values.

var (
	// Counters

	// JobsClaimedTotal counts queue claims by kind (job/nurture).
	JobsClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_jobs_claimed_total",
		Help: "Total number of queue rows claimed, by kind.",
	}, []string{"kind"})

	// JobsFinishedTotal counts terminal job outcomes.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_jobs_finished_total",
		Help: "Total number of jobs reaching a terminal status, by status.",
	}, []string{"status"})

	// PhaseTransitionTotal counts state-machine transitions.
	PhaseTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_phase_transition_total",
		Help: "Total number of job phase transitions, by from/to phase.",
	}, []string{"from", "to"})

	// PhaseFailTotal counts phase failures by phase and reason.
	PhaseFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_phase_fail_total",
		Help: "Total number of phase failures, by phase and reason.",
	}, []string{"phase", "reason"})

	// LeaseRenewalsTotal counts successful heartbeat renewals.
	LeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_lease_renewals_total",
		Help: "Total number of successful lease renewals, by kind.",
	}, []string{"kind"})

	// LeaseLostTotal counts heartbeats that found the lease gone.
	LeaseLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_lease_lost_total",
		Help: "Total number of lost leases observed by heartbeats, by kind.",
	}, []string{"kind"})

	// StaleRequeuedTotal counts rows recycled by the stale sweeper.
	StaleRequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_stale_requeued_total",
		Help: "Total number of abandoned rows requeued by the sweeper, by kind.",
	}, []string{"kind"})

	// TransportFailoverTotal counts per-job transport switches.
	TransportFailoverTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sorad_transport_failover_total",
		Help: "Total number of proxied-API to in-browser transport failovers.",
	})

	// Gauges

	// JobsInFlight tracks jobs currently running under a live lease in this process.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorad_jobs_in_flight",
		Help: "Current number of jobs running in this process.",
	})

	// Histograms

	// JobDurationSeconds observes wall-clock time from claim to terminal status.
	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sorad_job_duration_seconds",
		Help:    "Job duration from claim to terminal status, by status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})
)

// RecordClaim increments the claim counter.
func RecordClaim(kind string) {
	JobsClaimedTotal.WithLabelValues(kind).Inc()
}

// RecordFinished increments the terminal-status counter and observes duration.
func RecordFinished(status string, took time.Duration) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
	JobDurationSeconds.WithLabelValues(status).Observe(took.Seconds())
}

// RecordTransition increments the phase transition counter.
func RecordTransition(from, to string) {
	PhaseTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordPhaseFail increments the phase failure counter.
func RecordPhaseFail(phase, reason string) {
	PhaseFailTotal.WithLabelValues(phase, reason).Inc()
}

// RecordLeaseRenewal increments the renewal counter.
func RecordLeaseRenewal(kind string) {
	LeaseRenewalsTotal.WithLabelValues(kind).Inc()
}

// RecordLeaseLost increments the lost-lease counter.
func RecordLeaseLost(kind string) {
	LeaseLostTotal.WithLabelValues(kind).Inc()
}

// RecordStaleRequeued adds recycled rows to the sweeper counter.
func RecordStaleRequeued(kind string, n int) {
	if n > 0 {
		StaleRequeuedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordTransportFailover increments the failover counter.
func RecordTransportFailover() {
	TransportFailoverTotal.Inc()
}

// IncJobsInFlight increments the in-flight gauge.
func IncJobsInFlight() {
	JobsInFlight.Inc()
}

// DecJobsInFlight decrements the in-flight gauge.
func DecJobsInFlight() {
	JobsInFlight.Dec()
}

// GetJobsInFlight returns the current gauge value (for testing).
func GetJobsInFlight() float64 {
	var m dto.Metric
	if err := JobsInFlight.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
