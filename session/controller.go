// Package session wires exactly one transport.Client to exactly one
// store.Store per session (spec §9): neither component holds a
// reference to the other, so the controller is the sole place a
// transport.Event is converted into a store.Event and a store.SnapshotRequest
// is translated back into a transport call.
package session

import (
	"context"
	"log/slog"

	"github.com/alpacahq/dex-realtime-core/store"
	"github.com/alpacahq/dex-realtime-core/transport"
)

// Channels the controller subscribes the transport's event pump to. These
// are the three wire channel names of spec §6.1/GLOSSARY.
var dataChannels = []string{
	store.ChannelMarketData,
	store.ChannelTrades,
	store.ChannelAccount,
}

// Controller owns one transport.Client and one store.Store for the
// lifetime of an authenticated session, and tears both down together on
// logout (spec §9: "a session controller owns one instance of each").
type Controller struct {
	logger *slog.Logger

	Transport *transport.Client
	Store     *store.Store

	unsubSnapshot func()
}

// New constructs a Controller, wiring transport.Client.OnEvent(channel) ->
// store.Dispatch for every channel, and store.OnRequestSnapshot ->
// transport.RequestSnapshotSince / Subscribe for recovery.
func New(baseURL string, getToken transport.GetToken, opts ...Option) *Controller {
	cfg := newConfig(opts...)

	client := transport.NewClient(
		transport.WithBaseURL(baseURL),
		transport.WithGetToken(getToken),
		transport.WithLogger(cfg.logger),
	)
	st := store.New(store.WithLogger(cfg.logger))

	c := &Controller{logger: cfg.logger, Transport: client, Store: st}

	for _, channel := range dataChannels {
		channel := channel
		client.OnEvent(channel, func(ev transport.Event) {
			st.Dispatch(toStoreEvent(ev))
		})
	}

	c.unsubSnapshot = st.OnRequestSnapshot(func(req store.SnapshotRequest) {
		c.handleSnapshotRequest(req)
	})

	return c
}

// Connect starts the underlying transport (spec §4.1.1).
func (c *Controller) Connect(ctx context.Context) error {
	return c.Transport.Connect(ctx)
}

// Close tears down the transport; the store is discarded with the
// controller (spec §9, §6.3: no persisted state survives a session).
func (c *Controller) Close() {
	c.Transport.Disconnect()
	if c.unsubSnapshot != nil {
		c.unsubSnapshot()
	}
}

// handleSnapshotRequest translates a store recovery request into the wire
// action spec §6.2 calls for: a snapshot_since frame when a lastSeq cursor
// exists, or a fresh re-subscription when sinceSeq is zero (new stream, or
// a resync so total that the cursor itself is being discarded).
func (c *Controller) handleSnapshotRequest(req store.SnapshotRequest) {
	params := map[string]string{}
	if req.Symbol != "" {
		params["symbol"] = req.Symbol
	}

	if req.SinceSeq == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		if err := c.Transport.Subscribe(ctx, req.Channel, params); err != nil {
			c.logger.Warn("session: resubscribe for full resync failed", "channel", req.Channel, "symbol", req.Symbol, "error", err)
		}
		return
	}

	if err := c.Transport.RequestSnapshotSince(req.Channel, params, req.SinceSeq); err != nil {
		c.logger.Warn("session: snapshot_since request failed", "channel", req.Channel, "symbol", req.Symbol, "since_seq", req.SinceSeq, "error", err)
	}
}

func toStoreEvent(ev transport.Event) *store.Event {
	kind := store.EventDelta
	if ev.Kind == transport.EventSnapshot {
		kind = store.EventSnapshot
	}
	return &store.Event{
		ID:        ev.ID,
		Kind:      kind,
		Channel:   ev.Channel,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
		Metadata:  ev.Metadata,
	}
}
