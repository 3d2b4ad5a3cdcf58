package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/alpacahq/dex-realtime-core/internal/logging"
)

// Config holds everything needed to construct a Client, built up via
// functional Options exactly as the teacher's stream.options does.
type Config struct {
	logger *slog.Logger

	baseURL  string
	getToken GetToken

	reconnectBaseDelay time.Duration
	reconnectMaxDelay  time.Duration

	heartbeatInterval  time.Duration
	heartbeatTolerance time.Duration

	inboundBufferSize int

	// for testing only
	connCreator func(ctx context.Context, baseURL, token string) (conn, error)
	jitter      func() float64 // uniform in [-1, 1]
	newTimer    func(d time.Duration) timer
}

// Option configures a Client.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		logger:             logging.Default(),
		reconnectBaseDelay: 500 * time.Millisecond,
		reconnectMaxDelay:  16 * time.Second,
		heartbeatInterval:  15 * time.Second,
		heartbeatTolerance: 5 * time.Second,
		inboundBufferSize:  4096,
		connCreator: func(ctx context.Context, baseURL, token string) (conn, error) {
			return dial(ctx, baseURL, token)
		},
		jitter:   func() float64 { return rand.Float64()*2 - 1 },
		newTimer: newRealTimer,
	}
}

// WithLogger configures the structured logger used for connection
// lifecycle, heartbeat and reconnect events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithBaseURL configures the handshake URL (scheme+host+path, no query
// string: the token is attached automatically).
func WithBaseURL(url string) Option {
	return func(c *Config) { c.baseURL = url }
}

// WithGetToken configures the collaborator invoked before every dial to
// obtain the auth token (spec §4.1.3).
func WithGetToken(f GetToken) Option {
	return func(c *Config) { c.getToken = f }
}

// WithReconnectBackoff configures the base and max reconnect delay used in
// the backoff formula min(base*2^n, max) (spec §4.1.5).
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(c *Config) {
		c.reconnectBaseDelay = base
		c.reconnectMaxDelay = max
	}
}

// WithHeartbeat configures the expected server ping interval and the
// additional tolerance before the client declares the connection dead
// (spec §4.1.4).
func WithHeartbeat(interval, tolerance time.Duration) Option {
	return func(c *Config) {
		c.heartbeatInterval = interval
		c.heartbeatTolerance = tolerance
	}
}

// WithInboundBufferSize configures the channel depth between the frame
// reader goroutine and the dispatch goroutine.
func WithInboundBufferSize(size int) Option {
	return func(c *Config) { c.inboundBufferSize = size }
}

func withConnCreator(f func(ctx context.Context, baseURL, token string) (conn, error)) Option {
	return func(c *Config) { c.connCreator = f }
}

func withJitter(f func() float64) Option {
	return func(c *Config) { c.jitter = f }
}

func withTimer(f func(d time.Duration) timer) Option {
	return func(c *Config) { c.newTimer = f }
}

func newConfig(opts ...Option) *Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}
