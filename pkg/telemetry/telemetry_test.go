// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigureSlogJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	logger.Info("hello", "server", "alpha")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"server":"alpha"`) {
		t.Errorf("unexpected json output: %s", out)
	}
}

func TestConfigureSlogLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "error", "text")

	logger.Info("dropped")
	logger.Error("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at error level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("error record missing")
	}
}

func TestInitWithConfigRejectsUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("conduit", "test", Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
	if _, err := InitWithConfig("conduit", "test", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("expected an error when the otlp endpoint is missing")
	}
}
