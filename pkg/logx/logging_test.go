package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "claim"))
	log.Info("claim won", Int64("message_id", 42))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["comp"] != "claim" {
		t.Fatalf("comp = %v, want claim", m["comp"])
	}
	if m["message_id"] != float64(42) {
		t.Fatalf("message_id = %v, want 42", m["message_id"])
	}
	if m["message"] != "claim won" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger IsZero = false")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true")
	}
}

func TestRenderLine(t *testing.T) {
	t.Parallel()

	got := renderLine([]byte(`{"level":"warn","message":"send failed","chat":7,"attempt":2,"time":"x"}`))
	want := "[WARN] send failed\n- attempt=2\n- chat=7"
	if got != want {
		t.Fatalf("renderLine = %q, want %q", got, want)
	}
	if got := renderLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("renderLine(raw) = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.in, LevelInfo); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
