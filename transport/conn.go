package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
)

// conn represents a bidirectional message transport between the client and
// the server. It is the seam tests substitute a fake over (grounded on the
// teacher's own conn interface).
type conn interface {
	close() error
	closeWithCode(code int, reason string) error
	readMessage(ctx context.Context) (data []byte, err error)
	writeMessage(ctx context.Context, data []byte) error
}

var (
	writeWait   = 5 * time.Second
	dialTimeout = 5 * time.Second
)

// nhooyrConn adapts nhooyr.io/websocket to the conn interface.
type nhooyrConn struct {
	conn *websocket.Conn
}

var _ conn = (*nhooyrConn)(nil)

// dial opens the handshake connection, attaching the caller's auth token as
// the "token" query parameter (spec §6.1, §4.1.3). The token is fetched
// fresh for every dial, including reconnects; it is never cached here.
func dial(ctx context.Context, baseURL, token string) (conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c.SetReadLimit(-1)

	return &nhooyrConn{conn: c}, nil
}

func (c *nhooyrConn) close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// closeWithCode closes with a non-default status code, used for the
// heartbeat-timeout local close (spec §4.1.4, code 4000).
func (c *nhooyrConn) closeWithCode(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *nhooyrConn) readMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *nhooyrConn) writeMessage(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
