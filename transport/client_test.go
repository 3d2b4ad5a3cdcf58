package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory conn double, grounded on the teacher's own
// channel-based mock connection for its stream client tests.
type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	closeErr error

	toClient chan []byte // messages the test pushes in, readMessage drains
	fromClient chan []byte // messages writeMessage sends out, test drains
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
	}
}

// close simulates a real socket close: any in-flight or future readMessage
// unblocks with an error, same as nhooyrConn.readMessage would after the
// underlying connection closes. Idempotent because both Disconnect and the
// reader goroutine's own cleanup call it.
func (f *fakeConn) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.toClient)
	return nil
}

func (f *fakeConn) closeWithCode(code int, reason string) error {
	return f.close()
}

func (f *fakeConn) readMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-f.toClient:
		if !ok {
			return nil, context.Canceled
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) writeMessage(ctx context.Context, data []byte) error {
	select {
	case f.fromClient <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) pushConnected() {
	f.toClient <- mustJSON(map[string]string{"type": "connected", "session_id": "sess-1"})
}

func (f *fakeConn) pushSubscribed(channel string, params map[string]string) {
	msg := map[string]interface{}{"type": "subscribed", "channel": channel, "params": params, "snapshot_seq": "0"}
	f.toClient <- mustJSON(msg)
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestClient(t *testing.T, conns ...*fakeConn) (*Client, func() *fakeConn) {
	t.Helper()
	idx := 0
	var mu sync.Mutex

	next := func() *fakeConn {
		mu.Lock()
		defer mu.Unlock()
		c := conns[idx]
		if idx < len(conns)-1 {
			idx++
		}
		return c
	}

	c := NewClient(
		WithBaseURL("wss://example.invalid"),
		WithGetToken(func(ctx context.Context) (string, error) { return "tok", nil }),
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
		withConnCreator(func(ctx context.Context, baseURL, token string) (conn, error) {
			return next(), nil
		}),
		withJitter(func() float64 { return 0 }),
		withTimer(newRealTimer),
	)
	return c, next
}

func TestClient_ConnectWaitsForConnectedFrame(t *testing.T) {
	fc := newFakeConn()
	client, _ := newTestClient(t, fc)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	fc.pushConnected()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect did not resolve after connected frame")
	}

	client.Disconnect()
}

func TestClient_SubscribeResolvesOnSubscribed(t *testing.T) {
	fc := newFakeConn()
	client, _ := newTestClient(t, fc)

	go func() { fc.pushConnected() }()
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	go func() {
		time.Sleep(10 * time.Millisecond)
		var frame map[string]interface{}
		msg := <-fc.fromClient
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "subscribe", frame["action"])
		fc.pushSubscribed("market_data", map[string]string{"symbol": "BTC_USD"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Subscribe(ctx, "market_data", map[string]string{"symbol": "BTC_USD"})
	assert.NoError(t, err)
}

func TestClient_SecondConcurrentSubscribeRejected(t *testing.T) {
	fc := newFakeConn()
	client, _ := newTestClient(t, fc)
	fc.pushConnected()
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(ctx, "market_data", map[string]string{"symbol": "BTC_USD"}) }()

	time.Sleep(20 * time.Millisecond)
	err := client.Subscribe(ctx, "trades", map[string]string{"symbol": "ETH_USD"})
	assert.ErrorIs(t, err, ErrSubscribeChangeInProgress)

	fc.pushSubscribed("market_data", map[string]string{"symbol": "BTC_USD"})
	assert.NoError(t, <-errCh)
}

func TestClient_ReconnectResubscribesActiveChannels(t *testing.T) {
	fc1 := newFakeConn()
	fc2 := newFakeConn()
	client, _ := newTestClient(t, fc1, fc2)

	fc1.pushConnected()
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	go func() {
		msg := <-fc1.fromClient
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "subscribe", frame["action"])
		fc1.pushSubscribed("market_data", map[string]string{"symbol": "BTC_USD"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Subscribe(ctx, "market_data", map[string]string{"symbol": "BTC_USD"}))

	before := testutil.ToFloat64(reconnectsTotal)

	// Simulate the connection dropping out from under the client.
	require.NoError(t, fc1.close())
	fc2.pushConnected()

	select {
	case msg := <-fc2.fromClient:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "subscribe", frame["action"])
		assert.Equal(t, "market_data", frame["channel"])
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe frame not sent on reconnect")
	}

	assert.Greater(t, testutil.ToFloat64(reconnectsTotal), before)
}

// TestClient_ReconnectIssuesSnapshotSinceForObservedSeq is scenario S6
// (spec §8.3): subscribe, observe events advancing the registry's lastSeq
// past the initial subscribed ack's snapshot_seq, drop the connection, and
// verify the resubscribe flow issues a snapshot_since carrying the last
// observed sequence rather than the stale ack value.
func TestClient_ReconnectIssuesSnapshotSinceForObservedSeq(t *testing.T) {
	fc1 := newFakeConn()
	fc2 := newFakeConn()
	client, _ := newTestClient(t, fc1, fc2)

	fc1.pushConnected()
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	go func() {
		msg := <-fc1.fromClient
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "subscribe", frame["action"])
		fc1.pushSubscribed("market_data", map[string]string{"symbol": "BTC_USD"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Subscribe(ctx, "market_data", map[string]string{"symbol": "BTC_USD"}))

	received := make(chan Event, 1)
	client.OnEvent("market_data", func(ev Event) { received <- ev })

	ev := map[string]interface{}{
		"event_id":   "e500",
		"event_type": "delta",
		"sequence":   "500",
		"timestamp":  "1700000000000000000",
		"source":     "market_data",
		"payload":    json.RawMessage(`{"symbol":"BTC_USD"}`),
	}
	fc1.toClient <- mustJSON(ev)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("event not dispatched before reconnect")
	}

	// Simulate the connection dropping out from under the client.
	require.NoError(t, fc1.close())
	fc2.pushConnected()

	select {
	case msg := <-fc2.fromClient:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "subscribe", frame["action"])
		assert.Equal(t, "market_data", frame["channel"])
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe frame not sent on reconnect")
	}

	select {
	case msg := <-fc2.fromClient:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "snapshot_since", frame["action"])
		assert.Equal(t, "market_data", frame["channel"])
		params, ok := frame["params"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "500", params["last_seq"])
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot_since frame not sent on reconnect")
	}
}

func TestClient_EventDispatchedToHandler(t *testing.T) {
	fc := newFakeConn()
	client, _ := newTestClient(t, fc)
	fc.pushConnected()
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	received := make(chan Event, 1)
	client.OnEvent("market_data", func(ev Event) { received <- ev })

	ev := map[string]interface{}{
		"event_id":   "e1",
		"event_type": "delta",
		"sequence":   "101",
		"timestamp":  "1700000000000000000",
		"source":     "market_data",
		"payload":    json.RawMessage(`{"symbol":"BTC_USD"}`),
	}
	fc.toClient <- mustJSON(ev)

	select {
	case got := <-received:
		assert.Equal(t, "e1", got.ID)
		assert.Equal(t, EventDelta, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}
