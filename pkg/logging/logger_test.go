package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLoggerText(t *testing.T) {
	var buf bytes.Buffer
	log := NewComponentLogger(New(&buf, "info", "text"), "soniox_stt")
	log.Debug("hidden")
	log.Info("soniox_connected", slog.String("stream_id", "s1"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line must be filtered: %s", out)
	}
	if !strings.Contains(out, "component=soniox_stt") || !strings.Contains(out, "stream_id=s1") {
		t.Fatalf("missing attributes: %s", out)
	}
}
