package session

import (
	"log/slog"
	"time"

	"github.com/alpacahq/dex-realtime-core/internal/logging"
)

// subscribeTimeout bounds how long a store-triggered resubscribe (for a
// SinceSeq=0 full resync) waits for the server's acknowledgement.
const subscribeTimeout = 10 * time.Second

type config struct {
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*config)

// WithLogger overrides the structured logger shared by the transport,
// store, and controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func newConfig(opts ...Option) *config {
	c := &config{logger: logging.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
