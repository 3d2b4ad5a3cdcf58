// Package logging provides the slog wiring shared by the transport client
// and the state store.
package logging

import (
	"log/slog"
	"os"
)

// Default returns the fallback logger used when a caller does not supply
// one via an Option. It logs to stderr at Info level, matching the
// teacher's bare stdlib default before it is overridden by WithLogger.
func Default() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
