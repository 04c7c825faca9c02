// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordClaimIncrements(t *testing.T) {
	before := counterValue(t, JobsClaimedTotal.WithLabelValues("job"))
	RecordClaim("job")
	after := counterValue(t, JobsClaimedTotal.WithLabelValues("job"))
	if after != before+1 {
		t.Errorf("claim counter = %v, want %v", after, before+1)
	}
}

func TestRecordFinishedObservesDuration(t *testing.T) {
	before := counterValue(t, JobsFinishedTotal.WithLabelValues("completed"))
	RecordFinished("completed", 3*time.Second)
	after := counterValue(t, JobsFinishedTotal.WithLabelValues("completed"))
	if after != before+1 {
		t.Errorf("finished counter = %v, want %v", after, before+1)
	}
}

func TestJobsInFlightGauge(t *testing.T) {
	start := GetJobsInFlight()
	IncJobsInFlight()
	IncJobsInFlight()
	DecJobsInFlight()
	if got := GetJobsInFlight(); got != start+1 {
		t.Errorf("in-flight gauge = %v, want %v", got, start+1)
	}
	DecJobsInFlight()
}

func TestRecordStaleRequeuedIgnoresZero(t *testing.T) {
	before := counterValue(t, StaleRequeuedTotal.WithLabelValues("job"))
	RecordStaleRequeued("job", 0)
	if got := counterValue(t, StaleRequeuedTotal.WithLabelValues("job")); got != before {
		t.Errorf("zero requeue must not move the counter: %v != %v", got, before)
	}
	RecordStaleRequeued("job", 3)
	if got := counterValue(t, StaleRequeuedTotal.WithLabelValues("job")); got != before+3 {
		t.Errorf("requeue counter = %v, want %v", got, before+3)
	}
}

func TestRecordDispatchScoreOnlyForChosen(t *testing.T) {
	chosenBefore := counterValue(t, DispatchTotal.WithLabelValues("chosen"))
	RecordDispatch("chosen", 72.5, 4)
	RecordDispatch("no_candidate", 0, 0)
	if got := counterValue(t, DispatchTotal.WithLabelValues("chosen")); got != chosenBefore+1 {
		t.Errorf("chosen counter = %v, want %v", got, chosenBefore+1)
	}
}
