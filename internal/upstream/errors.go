// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package upstream

import (
	"errors"
	"strings"
)

// Error kinds the runner branches on. Everything else is a transient or fatal
// error handled at the phase boundary.
var (
	ErrChallenge        = errors.New("upstream: anti-bot challenge")
	ErrOverload         = errors.New("upstream: heavy load")
	ErrInvalidRequest   = errors.New("upstream: invalid request")
	ErrDuplicatePublish = errors.New("upstream: duplicate publish")
)

// overloadMarkers are the substrings upstream uses to signal capacity
// shedding on submit.
var overloadMarkers = []string{
	"heavy_load",
	"heavy load",
	"high demand",
	"at capacity",
}

// IsOverloadMarker reports whether the text carries an overload signal.
func IsOverloadMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range overloadMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ClassifyPublishError maps an upstream publish error code/message to one of
// the sentinel kinds, or nil when the pair carries no error.
func ClassifyPublishError(code, msg string) error {
	if code == "" && msg == "" {
		return nil
	}
	lower := strings.ToLower(code + " " + msg)
	switch {
	case strings.Contains(lower, "duplicate"), strings.Contains(lower, "already_published"),
		strings.Contains(lower, "already published"):
		return ErrDuplicatePublish
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "bad_request"),
		strings.Contains(lower, "not_found"):
		return ErrInvalidRequest
	case IsOverloadMarker(lower):
		return ErrOverload
	}
	return errors.New("upstream: publish failed: " + strings.TrimSpace(code+" "+msg))
}
