package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GetToken is supplied by the host and invoked immediately before every
// dial, including reconnects (spec §4.1.3). The core never acquires or
// caches a token itself; that is explicitly out of scope (spec §1).
type GetToken func(ctx context.Context) (string, error)

// logTokenExpiry parses the JWT far enough to log its expiry, purely for
// operational visibility into why a connection might be about to be
// rejected with AUTH_FAILED. Parsing failures are logged and otherwise
// ignored: the core does not validate or reject tokens it did not mint.
func logTokenExpiry(logger *slog.Logger, token string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		logger.Debug("could not parse auth token for expiry logging", "error", err)
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if until := time.Until(exp.Time); until < 0 {
		logger.Warn("auth token already expired", "expired_for", -until)
	} else if until < 30*time.Second {
		logger.Warn("auth token expiring soon", "expires_in", until)
	}
}
