package taskmq

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestValidName_Valid(t *testing.T) {
	tests := []struct {
		name string
		s    string
	}{
		{"plain", "default"},
		{"dots", "email.send"},
		{"underscores", "bulk_import"},
		{"hyphens", "dead-letter"},
		{"alphanumeric", "PAY001"},
		{"max length", strings.Repeat("a", 128)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !validName(tt.s, 128) {
				t.Errorf("validName(%q) = false, want true", tt.s)
			}
		})
	}
}

func TestValidName_Invalid(t *testing.T) {
	tests := []struct {
		name string
		s    string
	}{
		{"empty", ""},
		{"space", "queue name"},
		{"slash", "queue/path"},
		{"dot-dot traversal", "../../etc/passwd"},
		{"special chars", "queue@#$"},
		{"colon", "app:email"},
		{"exceeds max length", strings.Repeat("x", 129)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if validName(tt.s, 128) {
				t.Errorf("validName(%q) = true, want false", tt.s)
			}
		})
	}
}

func TestNewLoggerFromLevel(t *testing.T) {
	tests := []string{"", "debug", "info", "warn", "error", "DEBUG", "unknown"}
	for _, level := range tests {
		t.Run(level, func(t *testing.T) {
			if logger := newLoggerFromLevel(level); logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestNewLoggerFromLevel_LevelCheck(t *testing.T) {
	logger := newLoggerFromLevel("debug")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should enable debug level")
	}

	logger = newLoggerFromLevel("error")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("error logger should not enable debug level")
	}
}
