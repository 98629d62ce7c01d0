package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorHandlerColorizesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColorTextHandler(&buf, nil))
	logger.Warn("disk almost full")
	out := buf.String()
	if !strings.Contains(out, "\033[33m") || !strings.Contains(out, "disk almost full") {
		t.Fatalf("output = %q", out)
	}
}

func TestNewJSONFormat(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	if l == nil {
		t.Fatalf("nil logger")
	}
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug level not enabled")
	}
}
