package app

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_PrettyWraps(t *testing.T) {
	t.Setenv("CHAT_LOG_WIDTH", "60")
	t.Setenv("CHAT_LOG_COLOR", "false")

	var buf strings.Builder
	log := newLogger(&buf, "info", "pretty")
	log.Info("http.request", "method", "GET", "path", "/messages", "status", 200, "user_agent", strings.Repeat("u", 40))
	log.Debug("hidden")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %q", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected wrapped output, got %q", out)
	}
	for _, l := range lines {
		if visualLen(l) > 60 {
			t.Fatalf("line wider than 60: %q", l)
		}
	}
	if !strings.HasPrefix(lines[1], prettyIndent) {
		t.Fatalf("continuation line not indented: %q", lines[1])
	}
	if strings.Contains(out, ansiReset) {
		t.Fatalf("color disabled but escapes present")
	}
}
