// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key string, want any) {
	t.Helper()
	for _, a := range attrs {
		if string(a.Key) != key {
			continue
		}
		if got := a.Value.AsInterface(); got != want {
			t.Errorf("attribute %s: got %v, want %v", key, got, want)
		}
		return
	}
	t.Errorf("attribute %s not found", key)
}

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/v1/sora/jobs", "http://localhost:8080/api/v1/sora/jobs", 200)
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/sora/jobs")
	verifyAttribute(t, attrs, HTTPStatusCodeKey, int64(200))
}

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes(42, "publish", "running", 2, 1500)
	verifyAttribute(t, attrs, JobIDKey, int64(42))
	verifyAttribute(t, attrs, JobPhaseKey, "publish")
	verifyAttribute(t, attrs, JobStatusKey, "running")
	verifyAttribute(t, attrs, JobAttemptKey, int64(2))
	verifyAttribute(t, attrs, JobDurationKey, int64(1500))
}

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("profile-7", "auto", 83.5)
	verifyAttribute(t, attrs, DispatchProfileKey, "profile-7")
	verifyAttribute(t, attrs, DispatchModeKey, "auto")
	verifyAttribute(t, attrs, DispatchScoreKey, 83.5)

	// No profile chosen: the profile key is omitted.
	attrs = DispatchAttributes("", "auto", 0)
	for _, a := range attrs {
		if string(a.Key) == DispatchProfileKey {
			t.Error("empty profile id must not be attached")
		}
	}
}

func TestScanAttributes(t *testing.T) {
	attrs := ScanAttributes("run-abc", "scheduled", "groupA")
	verifyAttribute(t, attrs, ScanRunKey, "run-abc")
	verifyAttribute(t, attrs, ScanTriggerKey, "scheduled")
	verifyAttribute(t, attrs, ScanGroupKey, "groupA")

	attrs = ScanAttributes("run-abc", "manual", "")
	if len(attrs) != 2 {
		t.Fatalf("expected group attribute omitted, got %d attributes", len(attrs))
	}
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes(errors.New("boom"), "challenge")
	verifyAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "challenge")
}
