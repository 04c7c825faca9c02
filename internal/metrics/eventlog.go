// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// EventLogAppendTotal counts durable event appends by source and level.
	EventLogAppendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_eventlog_append_total",
		Help: "Total number of event log appends, by source and level.",
	}, []string{"source", "level"})

	// EventLogRetentionDeletesTotal counts rows removed by retention, by axis
	// (time, size, audit).
	EventLogRetentionDeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorad_eventlog_retention_deletes_total",
		Help: "Total number of event log rows deleted by retention, by axis.",
	}, []string{"axis"})

	// EventLogEstimatedBytes tracks the retention size estimate after the last
	// cleanup pass.
	EventLogEstimatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorad_eventlog_estimated_bytes",
		Help: "Estimated event log footprint after the last retention pass.",
	})

	// SSESubscribers tracks connected log stream clients.
	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorad_sse_subscribers",
		Help: "Current number of connected log stream subscribers.",
	})
)

// RecordEventAppend increments the append counter.
func RecordEventAppend(source, level string) {
	EventLogAppendTotal.WithLabelValues(source, level).Inc()
}

// RecordRetentionDeletes adds deleted rows to the retention counter.
func RecordRetentionDeletes(axis string, n int) {
	if n > 0 {
		EventLogRetentionDeletesTotal.WithLabelValues(axis).Add(float64(n))
	}
}

// SetEventLogEstimatedBytes sets the size-estimate gauge.
func SetEventLogEstimatedBytes(n int64) {
	EventLogEstimatedBytes.Set(float64(n))
}

// IncSSESubscribers increments the subscriber gauge.
func IncSSESubscribers() {
	SSESubscribers.Inc()
}

// DecSSESubscribers decrements the subscriber gauge.
func DecSSESubscribers() {
	SSESubscribers.Dec()
}

// GetSSESubscribers returns the current gauge value (for testing).
func GetSSESubscribers() float64 {
	var m dto.Metric
	if err := SSESubscribers.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
