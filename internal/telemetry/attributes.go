// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	JobIDKey       = "sora.job_id"
	JobPhaseKey    = "sora.phase"
	JobStatusKey   = "sora.status"
	JobAttemptKey  = "sora.run_attempt"
	JobDurationKey = "sora.duration_ms"

	DispatchProfileKey = "dispatch.profile_id"
	DispatchScoreKey   = "dispatch.score"
	DispatchModeKey    = "dispatch.mode"

	ScanRunKey     = "scan.run_uid"
	ScanTriggerKey = "scan.trigger"
	ScanGroupKey   = "scan.group_title"

	TransportKey = "sora.transport"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes builds the common HTTP span attribute set.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// JobAttributes builds the span attribute set for one job run.
func JobAttributes(jobID int64, phase, status string, attempt int, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(JobIDKey, jobID),
		attribute.String(JobPhaseKey, phase),
		attribute.String(JobStatusKey, status),
		attribute.Int(JobAttemptKey, attempt),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// DispatchAttributes builds the span attribute set for a dispatch decision.
func DispatchAttributes(profileID, mode string, score float64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if profileID != "" {
		attrs = append(attrs, attribute.String(DispatchProfileKey, profileID))
	}
	attrs = append(attrs,
		attribute.String(DispatchModeKey, mode),
		attribute.Float64(DispatchScoreKey, score),
	)
	return attrs
}

// ScanAttributes builds the span attribute set for a scan run.
func ScanAttributes(runUID, trigger, groupTitle string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ScanRunKey, runUID),
		attribute.String(ScanTriggerKey, trigger),
	}
	if groupTitle != "" {
		attrs = append(attrs, attribute.String(ScanGroupKey, groupTitle))
	}
	return attrs
}

// ErrorAttributes marks a span failed with a classified type.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
