// Package log builds the slog loggers used by every sdfadb process.
package log

import (
	"log/slog"
	"os"
)

// New returns a text-format [slog.Logger] on stdout. Unknown level names
// fall back to info.
func New(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
