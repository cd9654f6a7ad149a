// Package logger sets up structured logging with log/slog. Services log
// JSON to stdout with the service name embedded; hot-path packages keep
// stdlib log with a [component] prefix.
package logger

import (
	"log/slog"
	"os"
)

// Init creates a JSON slog logger for the given service and installs it as
// the default so plain slog.Info calls share the same handler.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)
	return logger
}
