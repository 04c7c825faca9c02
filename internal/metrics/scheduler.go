// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerFireTotal counts scheduler slot firings by scheduler name.
	SchedulerFireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_scheduler_fire_total",
		Help: "Total number of scheduler slot firings, by scheduler.",
	}, []string{"scheduler"})

	// SchedulerLockConflictTotal counts lock conflicts (another process fired).
	SchedulerLockConflictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_scheduler_lock_conflict_total",
		Help: "Total number of scheduler lock conflicts, by scheduler.",
	}, []string{"scheduler"})

	// SchedulerErrorTotal counts swallowed scheduler body errors.
	SchedulerErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_scheduler_error_total",
		Help: "Total number of scheduler run errors, by scheduler.",
	}, []string{"scheduler"})

	// ScanProfilesTotal counts session scan results by outcome.
	ScanProfilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_scan_profiles_total",
		Help: "Total number of profile scan results, by outcome.",
	}, []string{"outcome"})
)

// RecordSchedulerFire increments the firing counter.
func RecordSchedulerFire(scheduler string) {
	SchedulerFireTotal.WithLabelValues(scheduler).Inc()
}

// RecordSchedulerLockConflict increments the conflict counter.
func RecordSchedulerLockConflict(scheduler string) {
	SchedulerLockConflictTotal.WithLabelValues(scheduler).Inc()
}

// RecordSchedulerError increments the error counter.
func RecordSchedulerError(scheduler string) {
	SchedulerErrorTotal.WithLabelValues(scheduler).Inc()
}

// RecordScanProfile increments the scan result counter.
func RecordScanProfile(outcome string) {
	ScanProfilesTotal.WithLabelValues(outcome).Inc()
}
