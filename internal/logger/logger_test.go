package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	l := Component("turn")
	l.Info().Str("sessionId", "s1").Msg("turn completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if entry["component"] != "turn" {
		t.Fatalf("expected component turn, got %v", entry["component"])
	}
	if entry["service"] != "medivoice" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
	if entry["sessionId"] != "s1" {
		t.Fatalf("expected sessionId s1, got %v", entry["sessionId"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"verbose": zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
