// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := WithComponent("dispatcher").Output(&buf)
	l.Info().Str("event", "dispatch.scored").Msg("picked profile")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "dispatcher" {
		t.Errorf("component = %v, want dispatcher", entry["component"])
	}
	if entry["event"] != "dispatch.scored" {
		t.Errorf("event = %v, want dispatch.scored", entry["event"])
	}
	if entry["service"] != "sorad" {
		t.Errorf("service = %v, want sorad", entry["service"])
	}
}

func TestDerive(t *testing.T) {
	var buf bytes.Buffer
	l := Derive(func(ctx *zerolog.Context) {
		*ctx = ctx.Str("subsystem", "scan")
	}).Output(&buf)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["subsystem"] != "scan" {
		t.Errorf("subsystem = %v, want scan", entry["subsystem"])
	}
}
