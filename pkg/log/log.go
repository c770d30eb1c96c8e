// Package log configures the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
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

// Setup installs the default logger writing to stderr.
func Setup(logLevel, format string) *slog.Logger {
	logger := New(os.Stderr, logLevel, format)
	slog.SetDefault(logger)

	return logger
}

// New builds a text or json logger.
func New(w io.Writer, logLevel, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(logLevel)}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
