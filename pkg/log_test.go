package pkg

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureLogs points the default logger at a buffer at debug level and
// restores the previous logger and level when the test ends.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := DefaultLogger
	level := logLevel.Level()
	t.Cleanup(func() {
		SetLogger(original)
		SetLogLevel(level)
	})
	SetLogLevel(slog.LevelDebug)
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logLevel})))
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	original := logLevel.Level()
	defer SetLogLevel(original)

	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		t.Run(level.String(), func(t *testing.T) {
			SetLogLevel(level)
			assert.Equal(t, level, logLevel.Level())
		})
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
		want      string
	}{
		{"debug", LogDebug, ComponentPool, "component=pool"},
		{"info", LogInfo, ComponentSchedule, "component=schedule"},
		{"warn", LogWarn, ComponentISR, "component=isr"},
		{"error", LogError, ComponentEHCI, "component=ehci"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			tt.log(tt.component, tt.name+" message", "frame", 7)
			out := buf.String()
			assert.Contains(t, out, tt.name+" message")
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "frame=7")
		})
	}
}

func TestLogLevelFilters(t *testing.T) {
	buf := captureLogs(t)
	SetLogLevel(slog.LevelWarn)

	LogDebug(ComponentTransfer, "hidden")
	LogWarn(ComponentTransfer, "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
