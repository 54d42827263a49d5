package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

// ProvideLogger builds the process-wide structured logger every layer logs
// through.
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// ProvideWatermillLogger adapts the slog logger to watermill's LoggerAdapter
// so the AMQP router and pub/sub clients log through the same sink.
func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}
