package store

import (
	"encoding/json"
	"math/big"
)

// EventKind discriminates an Event as a full-replacement snapshot or an
// incremental delta (spec §3.1).
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventDelta    EventKind = "delta"
)

// Event is the store's own view of a server data frame. It is
// structurally identical to the transport's Event but declared separately
// so the store carries no import-time dependency on the transport package
// (spec §9: neither component holds a hard reference to the other). The
// session controller is the only place that converts one into the other.
type Event struct {
	ID        string
	Kind      EventKind
	Channel   string
	Sequence  *big.Int
	Timestamp int64
	Payload   json.RawMessage
	Metadata  json.RawMessage
}
