// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventlog

import (
	"encoding/json"
	"regexp"
)

// Mask modes.
const (
	MaskOff   = "off"
	MaskBasic = "basic"
)

var (
	sensitiveKey = regexp.MustCompile(`(?i)(token|authorization|secret|password|key)`)
	bearerToken  = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	queryPair    = regexp.MustCompile(`(?i)([?&]?)([A-Za-z0-9_-]*(?:token|authorization|secret|password|key)[A-Za-z0-9_-]*)=([^&\s]+)`)
)

// MaskString redacts bearer tokens and sensitive query pairs inside free
// text. Mode off returns the input untouched.
func MaskString(mode, s string) string {
	if mode != MaskBasic || s == "" {
		return s
	}
	s = bearerToken.ReplaceAllString(s, "Bearer ***")
	s = queryPair.ReplaceAllString(s, "$1$2=***")
	return s
}

// MaskJSON redacts values of sensitive keys in a JSON document, at any
// nesting depth. Invalid JSON falls back to string masking.
func MaskJSON(mode, doc string) string {
	if mode != MaskBasic || doc == "" {
		return doc
	}
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return MaskString(mode, doc)
	}
	masked := maskValue(v)
	out, err := json.Marshal(masked)
	if err != nil {
		return MaskString(mode, doc)
	}
	return string(out)
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if sensitiveKey.MatchString(k) {
				t[k] = "***"
				continue
			}
			t[k] = maskValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = maskValue(inner)
		}
		return t
	case string:
		return MaskString(MaskBasic, t)
	default:
		return v
	}
}
