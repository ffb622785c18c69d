package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want slog.Level
	}{
		{"empty", "", slog.LevelInfo},
		{"plain debug", "debug", slog.LevelDebug},
		{"upper case", "WARN", slog.LevelWarn},
		{"trace", "trace", LevelTrace},
		{"off", "off", LevelOff},
		{"unknown", "chatty", slog.LevelInfo},
		{"target directive", "other=error,daedalus_client=debug", slog.LevelDebug},
		{"bare with foreign target", "warn,other=trace", slog.LevelWarn},
		{"foreign target only", "other=trace", slog.LevelInfo},
		{"target beats bare", "error,daedalus_client=trace", LevelTrace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLogLevel(tt.spec, "daedalus_client"); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelDebug, &buf).WithComponent("supervisor")

	logger.LogError("connect failed", errors.New("refused"), map[string]any{"attempt": 3})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}

	if entry["component"] != "supervisor" {
		t.Errorf("Expected component 'supervisor', got %v", entry["component"])
	}
	if entry["error"] != "refused" {
		t.Errorf("Expected error 'refused', got %v", entry["error"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("Expected attempt 3, got %v", entry["attempt"])
	}
}

func TestLoggerAppErrorGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelInfo, &buf)

	logger.LogError("config invalid", NewError(ErrTypeConfig, "endpoint missing", nil), nil)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}

	group, ok := entry["error"].(map[string]any)
	if !ok {
		t.Fatalf("Expected structured error group, got %T", entry["error"])
	}
	if group["type"] != "config" {
		t.Errorf("Expected type 'config', got %v", group["type"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelWarn, &buf)

	logger.Info("hidden", nil)
	logger.Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn, got %q", buf.String())
	}

	logger.Warn("shown", nil)
	if buf.Len() == 0 {
		t.Error("Expected warn output")
	}
}
