package taskmq

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

const (
	maxQueueNameLen = 128
	maxTaskNameLen  = 256
)

// safeNameRe matches strings containing only safe characters for queue and
// task names.
var safeNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validName reports whether s is a usable queue or task name.
func validName(s string, maxLen int) bool {
	return s != "" && len(s) <= maxLen && safeNameRe.MatchString(s)
}

// newLoggerFromLevel creates a slog.Logger at the given level.
// Falls back to slog.Default() if level is empty or unrecognized.
func newLoggerFromLevel(level string) *slog.Logger {
	if level == "" {
		return slog.Default()
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
