package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures the global slog default logger from the logging
// section of the application configuration.
//
// format: "json" selects JSONHandler (machine readable, for production);
// anything else selects TextHandler (for local development).
//
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// Every record carries a "service" attribute so StreakKeeper lines are
// separable when several services share a log stream. The configured logger
// is installed as the default so slog.Info/Warn/Error calls elsewhere use it
// without carrying a *slog.Logger around.
func SetupLogger(format, level, service string) {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	if service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", service)})
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger configured", "format", format, "level", lvl.String())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
