package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// Log formats accepted by NewLogger.
const (
	LogFormatJSON   = "json"
	LogFormatText   = "text"
	LogFormatPretty = "pretty"
)

// NewLogger creates a structured logger on stdout and installs it as the slog default.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, level, format, EnvBool("DESK_LOG_COLOR", true)))
	slog.SetDefault(log)
	return log
}

func newLogHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatPretty:
		return newPrettyHandler(w, opts, color)
	case LogFormatText:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
