package transport

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// EventKind discriminates a data Event as a full-replacement snapshot or an
// incremental delta (spec §3.1).
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventDelta    EventKind = "delta"
)

// Event is the parsed, typed form of a server data frame. Sequence is kept
// as *big.Int per spec §9: sequences are transported as decimal strings and
// may exceed 2^53, so they are never routed through float64 arithmetic.
type Event struct {
	ID        string
	Kind      EventKind
	Channel   string
	Sequence  *big.Int
	Timestamp int64
	Payload   json.RawMessage
	Metadata  json.RawMessage
}

// wireEvent mirrors the server's JSON event frame (spec §6.1). The protocol
// document and the store disagree on whether a frame is discriminated by a
// top-level "type" or by "event_type"; per the Open Question in spec §9 the
// base-event form (event_type) is canonical and a top-level "type" carrying
// "snapshot" or "delta" is coerced into it during parsing.
type wireEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Type      string          `json:"type"`
	Sequence  string          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata"`
}

// controlEnvelope is decoded first to cheaply discriminate a frame without
// committing to either the control or the data shape.
type controlEnvelope struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Sequence string `json:"sequence"`
}

// isDataFrame reports whether a raw frame carries the event_id+sequence
// pair that marks it as a data event rather than a control frame (spec
// §4.1.6: "Any frame carrying event_id and sequence fields is treated as a
// data event").
func (e controlEnvelope) isDataFrame() bool {
	return e.EventID != "" && e.Sequence != ""
}

// parseFrame classifies and parses a single raw server frame. Malformed
// frames are reported via the returned error; callers must drop them
// silently rather than propagate a crash (spec §4.1.6).
func parseFrame(raw []byte) (controlFrame *controlEnvelopeFull, event *Event, err error) {
	var env controlEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	if env.isDataFrame() {
		ev, err := parseEvent(raw)
		if err != nil {
			return nil, nil, err
		}
		return nil, ev, nil
	}

	var full controlEnvelopeFull
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, nil, fmt.Errorf("decode control frame: %w", err)
	}
	return &full, nil, nil
}

func parseEvent(raw []byte) (*Event, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	kind := we.EventType
	if kind == "" {
		kind = we.Type
	}
	if kind != string(EventSnapshot) && kind != string(EventDelta) {
		return nil, fmt.Errorf("event %s: unknown event_type %q", we.EventID, kind)
	}

	seq, ok := new(big.Int).SetString(we.Sequence, 10)
	if !ok {
		return nil, fmt.Errorf("event %s: invalid sequence %q", we.EventID, we.Sequence)
	}
	if seq.Sign() <= 0 {
		return nil, fmt.Errorf("event %s: non-positive sequence %q", we.EventID, we.Sequence)
	}

	var ts int64
	if we.Timestamp != "" {
		parsed, ok := new(big.Int).SetString(we.Timestamp, 10)
		if !ok {
			return nil, fmt.Errorf("event %s: invalid timestamp %q", we.EventID, we.Timestamp)
		}
		ts = parsed.Int64()
	}

	channel := we.Source
	if channel == "" {
		channel = we.Channel
	}
	if channel == "" || we.EventID == "" {
		return nil, fmt.Errorf("event missing required fields: %+v", we)
	}

	return &Event{
		ID:        we.EventID,
		Kind:      EventKind(kind),
		Channel:   channel,
		Sequence:  seq,
		Timestamp: ts,
		Payload:   we.Payload,
		Metadata:  we.Metadata,
	}, nil
}

// controlEnvelopeFull carries every field used by any control frame kind
// (spec §6.1). Only the fields relevant to Type are populated by the server
// for a given frame.
type controlEnvelopeFull struct {
	Type string `json:"type"`

	// connected
	SessionID string `json:"session_id"`

	// subscribed / unsubscribed
	Channel     string            `json:"channel"`
	Params      map[string]string `json:"params"`
	SnapshotSeq string            `json:"snapshot_seq"`

	// snapshot_since_response
	FromSeq string          `json:"from_seq"`
	ToSeq   string          `json:"to_seq"`
	Events  []wireEventJSON `json:"events"`

	// error
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireEventJSON defers decoding of replay-batch events until parseEvent can
// run the same validation path live events take.
type wireEventJSON = json.RawMessage

const (
	frameConnected              = "connected"
	framePing                   = "ping"
	frameSubscribed             = "subscribed"
	frameUnsubscribed           = "unsubscribed"
	frameSnapshotSinceResponse  = "snapshot_since_response"
	frameError                  = "error"
)

// --- client -> server frame builders ---

type subscribeFrame struct {
	Action  string            `json:"action"`
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params"`
}

func newSubscribeFrame(channel string, params map[string]string) ([]byte, error) {
	return json.Marshal(subscribeFrame{Action: "subscribe", Channel: channel, Params: params})
}

func newUnsubscribeFrame(channel string, params map[string]string) ([]byte, error) {
	return json.Marshal(subscribeFrame{Action: "unsubscribe", Channel: channel, Params: params})
}

type snapshotSinceFrame struct {
	Action  string            `json:"action"`
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params"`
}

// newSnapshotSinceFrame builds the snapshot_since request frame. Per spec
// §6.1 the params object is extended with last_seq.
func newSnapshotSinceFrame(channel string, params map[string]string, lastSeq int64) ([]byte, error) {
	return json.Marshal(snapshotSinceFrame{
		Action:  "snapshot_since",
		Channel: channel,
		Params:  paramsWithLastSeq(params, lastSeq),
	})
}

type pongFrame struct {
	Type string `json:"type"`
}

func newPongFrame() []byte {
	b, _ := json.Marshal(pongFrame{Type: "pong"})
	return b
}
