package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_DefaultsToInfoLevel(t *testing.T) {
	log := New()

	if log.GetLevel() != slog.LevelInfo {
		t.Errorf("expected info level, got %v", log.GetLevel())
	}
	if log.IsHTTPLoggingEnabled() {
		t.Error("expected HTTP logging disabled by default")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSlogLogger_ImplementsInterface(t *testing.T) {
	var _ Logger = (*SlogLogger)(nil)
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelWarn)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message", "namespace", "predictions")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("expected debug/info to be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "namespace=predictions") {
		t.Errorf("expected warn record with attrs, got: %s", out)
	}
}

func TestSlogLogger_SetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelError)

	log.Info("hidden")
	log.SetLevel(slog.LevelDebug)
	log.Debug("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected first record filtered, got: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("expected record after SetLevel, got: %s", out)
	}
}

func TestSlogLogger_WithSharesLevelAndToggle(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, slog.LevelInfo)
	child := parent.With("client", "c-1", "namespace", "sprint")

	parent.SetLevel(slog.LevelDebug)
	child.Debug("cascade resolved")

	out := buf.String()
	if !strings.Contains(out, "client=c-1") || !strings.Contains(out, "namespace=sprint") {
		t.Errorf("expected child attrs in output, got: %s", out)
	}
	if !strings.Contains(out, "cascade resolved") {
		t.Errorf("expected child to follow parent level, got: %s", out)
	}

	parent.EnableHTTPLogging()
	if !child.IsHTTPLoggingEnabled() {
		t.Error("expected child to share HTTP logging toggle")
	}
	child.DisableHTTPLogging()
	if parent.IsHTTPLoggingEnabled() {
		t.Error("expected parent to observe child toggle")
	}
}

func TestNextLevel_Cycles(t *testing.T) {
	order := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError, slog.LevelDebug}
	for i := 0; i < len(order)-1; i++ {
		if got := NextLevel(order[i]); got != order[i+1] {
			t.Errorf("NextLevel(%v) = %v, want %v", order[i], got, order[i+1])
		}
	}
}

func TestDiscard_DropsEverything(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
	if log.GetLevel() <= slog.LevelError {
		t.Errorf("expected discard level above error, got %v", log.GetLevel())
	}
}
