// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import "errors"

var (
	// ErrMissingLogger means no logger was provided.
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingAPIHandler means no API handler was provided.
	ErrMissingAPIHandler = errors.New("API handler is required")

	// ErrManagerNotStarted means Shutdown was called before Start.
	ErrManagerNotStarted = errors.New("manager not started")
)
