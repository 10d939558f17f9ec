// Package logging configures the process-wide slog default logger from
// the logging section of the server configuration: level, and an
// optional log file alongside stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps the config file's level string onto slog's levels,
// defaulting to info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the default slog logger. When file is non-empty the log
// stream is duplicated to it (appending); a file that cannot be opened
// degrades to stderr-only rather than failing startup.
func Setup(level, file string) {
	var w io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("logging: cannot open log file, using stderr only", "file", file, "error", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	slog.SetDefault(slog.New(handler))
}
