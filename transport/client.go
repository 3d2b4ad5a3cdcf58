// Package transport implements the reconnecting, authenticated, heartbeat
// policed message client described in spec §4.1: it dials the server,
// authenticates via a caller-supplied token, subscribes to named channels,
// and requests targeted replay to close sequence gaps the store detects.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/dex-realtime-core/internal/ctxtime"
)

// initializeTimeout bounds how long the client waits for the server's
// connected frame during a single dial attempt (spec §4.1.2).
var initializeTimeout = 5 * time.Second

// Client is a reconnecting, authenticated transport to the server described
// in spec §4.1. After Connect returns successfully it re-dials, re-
// authenticates and re-subscribes automatically until Disconnect is called.
//
// Connect must be called exactly once. A Client cannot be reused once
// Terminated has fired.
type Client struct {
	cfg *Config

	subs *subscriptionRegistry

	handlersMu sync.RWMutex
	handlers   map[string][]func(Event)

	errHandlersMu sync.Mutex
	errHandlers   []func(error)

	connectCalled atomic.Bool
	intentional   atomic.Bool

	connMu sync.Mutex
	active conn
	out    chan []byte

	terminatedCh   chan struct{}
	terminatedOnce sync.Once
}

// NewClient constructs a Client from the given options.
func NewClient(opts ...Option) *Client {
	return &Client{
		cfg:          newConfig(opts...),
		subs:         newSubscriptionRegistry(),
		handlers:     make(map[string][]func(Event)),
		terminatedCh: make(chan struct{}),
	}
}

// OnEvent registers a handler invoked, in arrival order, for every data
// event received on channel (spec §4.1.1).
func (c *Client) OnEvent(channel string, handler func(Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[channel] = append(c.handlers[channel], handler)
}

// OnError registers an observer for transport-level errors (spec §4.1.1,
// §7).
func (c *Client) OnError(handler func(error)) {
	c.errHandlersMu.Lock()
	defer c.errHandlersMu.Unlock()
	c.errHandlers = append(c.errHandlers, handler)
}

func (c *Client) emitError(err error) {
	c.errHandlersMu.Lock()
	hs := append([]func(error){}, c.errHandlers...)
	c.errHandlersMu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

func (c *Client) dispatchEvent(ev Event) {
	c.handlersMu.RLock()
	hs := append([]func(Event){}, c.handlers[ev.Channel]...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Connect establishes a connection, authenticates, and blocks until the
// server's connected frame has been observed (spec §4.1.1, §4.1.2). Once it
// returns successfully the client maintains the connection in the
// background, reconnecting with backoff on unexpected loss, until
// Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	if !c.connectCalled.CompareAndSwap(false, true) {
		return ErrConnectCalledMultipleTimes
	}
	initialResult := make(chan error, 1)
	go c.maintainConnection(ctx, initialResult)
	return <-initialResult
}

// Disconnect marks the session as intentionally closed, cancelling any
// scheduled reconnect and closing the connection cleanly with code 1000
// (spec §4.1.1, §4.1.2).
func (c *Client) Disconnect() {
	c.intentional.Store(true)
	c.connMu.Lock()
	active := c.active
	c.connMu.Unlock()
	if active != nil {
		_ = active.close()
	}
}

// Terminated returns a channel that is closed once the client has
// permanently stopped maintaining its connection (explicit Disconnect, or
// the caller's Connect context being cancelled).
func (c *Client) Terminated() <-chan struct{} {
	return c.terminatedCh
}

func (c *Client) terminate() {
	c.terminatedOnce.Do(func() {
		close(c.terminatedCh)
	})
}

func (c *Client) setActive(conn conn, out chan []byte) {
	c.connMu.Lock()
	c.active = conn
	c.out = out
	c.connMu.Unlock()
}

func (c *Client) send(frame []byte) error {
	c.connMu.Lock()
	out := c.out
	c.connMu.Unlock()
	if out == nil {
		return ErrNoConnected
	}
	select {
	case out <- frame:
		return nil
	default:
		return fmt.Errorf("transport: outbound queue full")
	}
}

// Subscribe requests a stream and blocks until the server acknowledges it
// with a subscribed frame or rejects it with an error frame (spec §4.1.1,
// §6.1). Only one Subscribe can be outstanding at a time.
func (c *Client) Subscribe(ctx context.Context, channel string, params map[string]string) error {
	if !c.connectCalled.Load() {
		return ErrSubscribeBeforeConnect
	}
	select {
	case <-c.terminatedCh:
		return ErrSubscribeAfterTerminated
	default:
	}

	key := subscriptionKey(channel, params)
	pending, err := c.subs.beginPending(key, channel, params)
	if err != nil {
		return err
	}

	frame, err := newSubscribeFrame(channel, params)
	if err != nil {
		c.subs.abandonPending(key)
		return fmt.Errorf("transport: encode subscribe frame: %w", err)
	}
	if err := c.send(frame); err != nil {
		c.subs.abandonPending(key)
		return err
	}
	c.cfg.logger.Debug("transport: subscribe sent", "req_id", pending.reqID, "channel", channel)

	select {
	case err := <-pending.result:
		c.cfg.logger.Debug("transport: subscribe resolved", "req_id", pending.reqID, "channel", channel, "error", err)
		return err
	case <-ctx.Done():
		c.subs.abandonPending(key)
		return ctx.Err()
	case <-c.terminatedCh:
		return ErrDisconnected
	}
}

// Unsubscribe fires an unsubscribe request and removes the channel from the
// set re-established on reconnect. It does not wait for server
// acknowledgement (spec §4.1.1: "fire and forget").
func (c *Client) Unsubscribe(channel string, params map[string]string) {
	key := subscriptionKey(channel, params)
	c.subs.remove(key)
	if frame, err := newUnsubscribeFrame(channel, params); err == nil {
		_ = c.send(frame)
	}
}

// RequestSnapshotSince asks the server to replay everything on channel
// since sinceSeq (spec §6.2). The replay events arrive as ordinary data
// events through the registered OnEvent handlers. Intended to be wired from
// the store's onRequestSnapshot hook (spec §9), not called directly by
// application code in the common case.
func (c *Client) RequestSnapshotSince(channel string, params map[string]string, sinceSeq int64) error {
	frame, err := newSnapshotSinceFrame(channel, params, sinceSeq)
	if err != nil {
		return fmt.Errorf("transport: encode snapshot_since frame: %w", err)
	}
	return c.send(frame)
}

// maintainConnection drives the connection lifecycle state machine of spec
// §4.1.2: Disconnected -> Connecting -> Authenticated, reconnecting with
// backoff on unexpected loss, terminal on intentional Disconnect or context
// cancellation.
func (c *Client) maintainConnection(ctx context.Context, initialResult chan<- error) {
	attempts := 0
	firstConnect := true

	defer func() {
		c.subs.disconnect()
		c.terminate()
	}()

	for {
		if ctx.Err() != nil || c.intentional.Load() {
			if firstConnect {
				initialResult <- ctx.Err()
			}
			return
		}

		if attempts > 0 {
			delay := computeBackoff(attempts-1, c.cfg.reconnectBaseDelay, c.cfg.reconnectMaxDelay, c.cfg.jitter)
			c.cfg.logger.Warn("transport: reconnecting after backoff", "attempt", attempts, "delay", delay)
			if err := ctxtime.Sleep(ctx, delay); err != nil {
				if firstConnect {
					initialResult <- err
				}
				return
			}
			if c.intentional.Load() {
				continue
			}
		}

		token, err := c.cfg.getToken(ctx)
		if err != nil {
			attempts++
			c.emitError(&TransportError{Op: "get_token", Err: err})
			continue
		}
		logTokenExpiry(c.cfg.logger, token)

		conn, err := c.cfg.connCreator(ctx, c.cfg.baseURL, token)
		if err != nil {
			attempts++
			c.emitError(&TransportError{Op: "dial", Err: err})
			continue
		}

		handshakeCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
		err = c.handshake(handshakeCtx, conn)
		cancel()
		if err != nil {
			_ = conn.close()
			attempts++
			c.emitError(&TransportError{Op: "handshake", Err: err})
			continue
		}

		c.cfg.logger.Info("transport: connected", "reconnect", !firstConnect)
		if firstConnect {
			initialResult <- nil
			firstConnect = false
		} else {
			reconnectsTotal.Inc()
		}
		attempts = 0

		out := make(chan []byte, 256)
		c.setActive(conn, out)
		c.resubscribeAfterReconnect(out)
		c.runConnection(ctx, conn, out)

		c.setActive(nil, nil)
		if ctx.Err() != nil || c.intentional.Load() {
			return
		}
		c.cfg.logger.Warn("transport: connection lost, will reconnect")
		attempts++
	}
}

// resubscribeAfterReconnect re-issues a plain subscribe for every channel
// that was active before the connection was lost, and for any with a
// non-zero recorded lastSeq also issues a snapshot_since carrying that
// cursor, so the server replays what was missed while disconnected
// (spec §4.1.5 rule 2).
func (c *Client) resubscribeAfterReconnect(out chan<- []byte) {
	for key, sub := range c.subs.snapshot() {
		frame, err := newSubscribeFrame(sub.channel, sub.params)
		if err != nil {
			c.cfg.logger.Error("transport: encode resubscribe frame", "key", key, "error", err)
			continue
		}
		select {
		case out <- frame:
		default:
			c.cfg.logger.Error("transport: outbound queue full during resubscribe", "key", key)
		}

		if sub.lastSeq > 0 {
			since, err := newSnapshotSinceFrame(sub.channel, sub.params, sub.lastSeq)
			if err != nil {
				c.cfg.logger.Error("transport: encode snapshot_since frame", "key", key, "error", err)
				continue
			}
			select {
			case out <- since:
			default:
				c.cfg.logger.Error("transport: outbound queue full during reconnect replay", "key", key)
			}
		}
	}
}

// handshake waits for the server's connected control frame, ignoring any
// other control frame observed before it (spec §4.1.2, §6.1). The core does
// not send an explicit auth frame: authentication happens via the token
// query parameter attached at dial time (spec §4.1.3).
func (c *Client) handshake(ctx context.Context, conn conn) error {
	for {
		raw, err := conn.readMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrNoConnected, ctx.Err())
			}
			return err
		}
		cf, ev, err := parseFrame(raw)
		if err != nil {
			c.cfg.logger.Debug("transport: dropping malformed frame during handshake", "error", err)
			continue
		}
		if ev != nil {
			// Data events should not arrive before connected; ignore rather
			// than crash (spec §4.1.6).
			continue
		}
		if cf.Type == frameConnected {
			return nil
		}
	}
}

// runConnection spawns the per-connection worker set (reader, writer,
// heartbeat watcher) and blocks until all have exited, i.e. until the
// connection is lost or the context is cancelled.
func (c *Client) runConnection(ctx context.Context, conn conn, out chan []byte) {
	closeCh := make(chan struct{})
	var closeOnce sync.Once
	signalClose := func() { closeOnce.Do(func() { close(closeCh) }) }

	livenessReset := make(chan struct{}, 1)

	// in decouples the socket read loop from frame parsing and dispatch,
	// grounded on the teacher's own c.in/connReader/messageProcessor split,
	// so a slow handler can't stall reads off the wire.
	in := make(chan []byte, c.cfg.inboundBufferSize)

	var wg sync.WaitGroup
	wg.Add(4)
	go c.connReader(ctx, conn, in, signalClose, &wg)
	go c.messageProcessor(ctx, in, livenessReset, closeCh, out, &wg)
	go c.connWriter(ctx, conn, out, closeCh, &wg)
	go c.heartbeatWatcher(ctx, conn, livenessReset, closeCh, signalClose, &wg)
	wg.Wait()
}

// symbolPeek extracts the same "symbol" field the domain key derivation
// partitions on (spec §4.2.3), without otherwise interpreting the payload.
type symbolPeek struct {
	Symbol string `json:"symbol"`
}

// eventSubscriptionParams reconstructs the params map a live event's
// subscription was registered under, so its lastSeq cursor can be kept
// current (spec §3.5, §4.1.5). The wire protocol's source values carry no
// parameters of their own beyond an optional symbol, so a bare peek at that
// one field is enough to rebuild the key without the transport otherwise
// inspecting the payload.
func eventSubscriptionParams(ev Event) map[string]string {
	var peek symbolPeek
	_ = json.Unmarshal(ev.Payload, &peek)
	if peek.Symbol == "" {
		return nil
	}
	return map[string]string{"symbol": peek.Symbol}
}

// connReader only pulls raw frames off the socket and hands them to
// messageProcessor through the buffered in channel (sized by
// WithInboundBufferSize); it does no parsing or dispatch itself, so a
// connection with a deep backlog still drains off the wire promptly.
func (c *Client) connReader(
	ctx context.Context,
	conn conn,
	in chan<- []byte,
	signalClose func(),
	wg *sync.WaitGroup,
) {
	defer func() {
		signalClose()
		_ = conn.close()
		close(in)
		wg.Done()
	}()

	for {
		raw, err := conn.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.emitError(&TransportError{Op: "read", Err: err})
			}
			return
		}

		select {
		case in <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// messageProcessor drains the in channel connReader fills, parsing and
// dispatching each frame. Splitting this out of connReader is what makes
// the inbound buffer meaningful: a burst of events queues in the channel
// instead of backing up the socket read.
func (c *Client) messageProcessor(
	ctx context.Context,
	in <-chan []byte,
	livenessReset chan<- struct{},
	closeCh chan struct{},
	out chan<- []byte,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return
		case <-closeCh:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			raw = msg
		}

		cf, ev, err := parseFrame(raw)
		if err != nil {
			c.cfg.logger.Debug("transport: dropping malformed frame", "error", err)
			continue
		}
		if ev != nil {
			key := subscriptionKey(ev.Channel, eventSubscriptionParams(*ev))
			c.subs.updateLastSeq(key, ev.Sequence.Int64())
			c.dispatchEvent(*ev)
			continue
		}

		switch cf.Type {
		case framePing:
			select {
			case livenessReset <- struct{}{}:
			default:
			}
			select {
			case out <- newPongFrame():
			case <-closeCh:
				return
			}
		case frameSubscribed:
			snapshotSeq := parseOptionalSeq(cf.SnapshotSeq)
			key := subscriptionKey(cf.Channel, cf.Params)
			c.subs.resolveSubscribed(key, cf.Channel, cf.Params, snapshotSeq)
		case frameUnsubscribed:
			// Fire-and-forget; local state was already removed by Unsubscribe.
		case frameSnapshotSinceResponse:
			c.handleSnapshotSinceResponse(cf)
		case frameError:
			c.handleErrorFrame(cf)
		case frameConnected:
			// Duplicate connected frame after the handshake; ignore.
		default:
			c.cfg.logger.Debug("transport: ignoring unknown control frame", "type", cf.Type)
		}
	}
}

func (c *Client) connWriter(ctx context.Context, conn conn, out <-chan []byte, closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer func() {
		_ = conn.close()
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closeCh:
			return
		case msg := <-out:
			if err := conn.writeMessage(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.emitError(&TransportError{Op: "write", Err: err})
				}
				return
			}
		}
	}
}

// heartbeatWatcher enforces the liveness contract of spec §4.1.4: if no
// ping arrives within heartbeatInterval+heartbeatTolerance of the last one,
// the connection is closed locally with code 4000.
func (c *Client) heartbeatWatcher(
	ctx context.Context,
	conn conn,
	livenessReset <-chan struct{},
	closeCh <-chan struct{},
	signalClose func(),
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	timeout := c.cfg.heartbeatInterval + c.cfg.heartbeatTolerance
	t := c.cfg.newTimer(timeout)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closeCh:
			return
		case <-livenessReset:
			if !t.Stop() {
				select {
				case <-t.C():
				default:
				}
			}
			t.Reset(timeout)
		case <-t.C():
			c.cfg.logger.Warn("transport: heartbeat timeout, closing connection", "timeout", timeout)
			_ = conn.closeWithCode(4000, "heartbeat timeout")
			signalClose()
			return
		}
	}
}

func (c *Client) handleSnapshotSinceResponse(cf *controlEnvelopeFull) {
	for _, raw := range cf.Events {
		ev, err := parseEvent(raw)
		if err != nil {
			c.cfg.logger.Warn("transport: dropping malformed replay event", "error", err)
			continue
		}
		key := subscriptionKey(ev.Channel, eventSubscriptionParams(*ev))
		c.subs.updateLastSeq(key, ev.Sequence.Int64())
		c.dispatchEvent(*ev)
	}
}

func (c *Client) handleErrorFrame(cf *controlEnvelopeFull) {
	serverErrorsTotal.WithLabelValues(cf.Code).Inc()
	if _, ok := c.subs.rejectPending(&SubscribeError{Channel: cf.Channel, Code: cf.Code, Message: cf.Message}); ok {
		return
	}
	c.emitError(&ServerError{Code: cf.Code, Message: cf.Message})
}

func parseOptionalSeq(s string) int64 {
	if s == "" {
		return 0
	}
	var v int64
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}
