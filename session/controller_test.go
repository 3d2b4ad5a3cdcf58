package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/dex-realtime-core/store"
	"github.com/alpacahq/dex-realtime-core/transport"
)

// recordingHandler is a minimal slog.Handler that captures emitted records
// so tests can assert on which branch of handleSnapshotRequest ran without
// reaching into the transport client's unexported state.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func TestToStoreEvent_MapsKindAndFields(t *testing.T) {
	seq := big.NewInt(42)
	ev := transport.Event{
		ID:        "e1",
		Kind:      transport.EventSnapshot,
		Channel:   store.ChannelMarketData,
		Sequence:  seq,
		Timestamp: 1700000000,
		Payload:   json.RawMessage(`{"symbol":"BTC_USD"}`),
	}

	got := toStoreEvent(ev)
	require.NotNil(t, got)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, store.EventSnapshot, got.Kind)
	assert.Equal(t, store.ChannelMarketData, got.Channel)
	assert.Equal(t, seq, got.Sequence)
	assert.Equal(t, int64(1700000000), got.Timestamp)
	assert.JSONEq(t, `{"symbol":"BTC_USD"}`, string(got.Payload))

	delta := toStoreEvent(transport.Event{Kind: transport.EventDelta})
	assert.Equal(t, store.EventDelta, delta.Kind)
}

func newTestController(t *testing.T, h *recordingHandler) *Controller {
	t.Helper()
	logger := slog.New(h)
	return New("wss://example.invalid", func(ctx context.Context) (string, error) {
		return "tok", nil
	}, WithLogger(logger))
}

func TestHandleSnapshotRequest_FreshResubscribeOnZeroSinceSeq(t *testing.T) {
	h := &recordingHandler{}
	ctrl := newTestController(t, h)

	ctrl.handleSnapshotRequest(store.SnapshotRequest{
		Channel:  store.ChannelMarketData,
		Symbol:   "BTC_USD",
		SinceSeq: 0,
	})

	assert.Contains(t, h.messages(), "session: resubscribe for full resync failed")
}

func TestHandleSnapshotRequest_SnapshotSinceWhenCursorPresent(t *testing.T) {
	h := &recordingHandler{}
	ctrl := newTestController(t, h)

	ctrl.handleSnapshotRequest(store.SnapshotRequest{
		Channel:  store.ChannelMarketData,
		Symbol:   "BTC_USD",
		SinceSeq: 500,
	})

	assert.Contains(t, h.messages(), "session: snapshot_since request failed")
}

func TestNew_WiresStoreSnapshotRequestsToController(t *testing.T) {
	h := &recordingHandler{}
	ctrl := newTestController(t, h)

	// A delta arriving with no prior snapshot is pre-snapshot buffering
	// (store/store.go's isPreSnapshot branch), which requests a fresh
	// resubscribe (SinceSeq 0) rather than a targeted replay.
	ev := mdEvent("delta", "BTC_USD", 500, `{"symbol":"BTC_USD","bids":[["100","1"]],"asks":[]}`)
	ctrl.Store.Dispatch(ev)

	assert.Contains(t, h.messages(), "session: resubscribe for full resync failed")
}

func mdEvent(kind string, symbol string, seq int64, payload string) *store.Event {
	evKind := store.EventDelta
	if kind == "snapshot" {
		evKind = store.EventSnapshot
	}
	return &store.Event{
		ID:       symbol + "-" + kind,
		Kind:     evKind,
		Channel:  store.ChannelMarketData,
		Sequence: big.NewInt(seq),
		Payload:  json.RawMessage(payload),
	}
}
