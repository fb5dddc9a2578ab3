// Package logging configures the structured loggers shared by every
// component, following the same slog-per-module convention the rest of the
// teaching-simulator corpus uses.
package logging

import (
	"log/slog"
	"os"
)

// New builds a slog.Logger tagged with the owning component's name, at the
// given level ("debug", "info", "warn", "error"; unrecognized values fall
// back to info).
func New(level, component string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler).With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
