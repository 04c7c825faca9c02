// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID     = "job_id"
	FieldBatchID   = "batch_id"
	FieldProfileID = "profile_id"
	FieldRequestID = "request_id"
	FieldTraceID   = "trace_id"
	FieldOwner     = "owner"
	FieldOperator  = "operator"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPhase     = "phase"
	FieldAttempt   = "attempt"
	FieldTransport = "transport"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStatus   = "status"

	// Dispatch fields
	FieldScore    = "score"
	FieldReason   = "reason"
	FieldLockKey  = "lock_key"
	FieldSlotKey  = "slot_key"
	FieldDuration = "duration_ms"
)
