// Package runtimeconfig provides the ambient logging and configuration
// setup shared by every command: layered YAML config search and a
// log/slog setup with a trace level below Debug.
package runtimeconfig

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below slog.LevelDebug for wire-frame-level tracing
// (every event in, every event out) that would be too noisy even at
// debug level in normal operation.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a config/flag string to a slog.Level, defaulting to
// Info for anything unrecognized.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// ReplaceLogLevelNames returns a slog.HandlerOptions.ReplaceAttr function
// that renders LevelTrace as "TRACE" instead of slog's default "DEBUG-8".
func ReplaceLogLevelNames() func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.LevelKey {
			return a
		}
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		if level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
		return a
	}
}

// NewLogger builds a text-handler slog.Logger writing to w (os.Stderr if
// nil) at the given level, with TRACE rendered correctly.
func NewLogger(level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames()}
	return slog.New(slog.NewTextHandler(w, opts))
}
