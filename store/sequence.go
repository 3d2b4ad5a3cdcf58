package store

import (
	"container/list"
	"math/big"
)

// dedupCap and bufferCap are the bounds spec §9 requires every
// implementation to enforce: the dedup set and the per-stream delta buffer
// are each capped at 10,000 entries.
const (
	dedupCap  = 10_000
	bufferCap = 10_000
)

// seqMeta is the per-domain-key sequence state of spec §3.3. lastSeq is an
// arbitrary-precision integer: sequences may exceed 2^53 and must never be
// compared or incremented through float64 (spec §9).
type seqMeta struct {
	lastSeq *big.Int

	seenOrder *list.List               // insertion order, oldest at Front
	seenAt    map[string]*list.Element // event_id -> position in seenOrder
}

func newSeqMeta() *seqMeta {
	return &seqMeta{
		lastSeq:   big.NewInt(0),
		seenOrder: list.New(),
		seenAt:    make(map[string]*list.Element),
	}
}

func (m *seqMeta) seen(eventID string) bool {
	_, ok := m.seenAt[eventID]
	return ok
}

// remember records eventID as applied, evicting the oldest entries once the
// set exceeds dedupCap (spec §4.2.7).
func (m *seqMeta) remember(eventID string) {
	if m.seen(eventID) {
		return
	}
	el := m.seenOrder.PushBack(eventID)
	m.seenAt[eventID] = el

	for m.seenOrder.Len() > dedupCap {
		oldest := m.seenOrder.Front()
		if oldest == nil {
			break
		}
		m.seenOrder.Remove(oldest)
		delete(m.seenAt, oldest.Value.(string))
	}
}

// expected returns lastSeq + 1.
func (m *seqMeta) expected() *big.Int {
	return new(big.Int).Add(m.lastSeq, big.NewInt(1))
}

// isDuplicateSequence reports whether seq is at or behind lastSeq.
func (m *seqMeta) isDuplicateSequence(seq *big.Int) bool {
	return seq.Cmp(m.lastSeq) <= 0
}

// isGap reports whether seq skips ahead of expected while the stream has
// already seen its initial snapshot (lastSeq > 0).
func (m *seqMeta) isGap(seq *big.Int) bool {
	return seq.Cmp(m.expected()) > 0 && m.lastSeq.Sign() > 0
}

// isPreSnapshot reports whether seq arrives ahead of expected before any
// snapshot has been applied on this stream.
func (m *seqMeta) isPreSnapshot(seq *big.Int) bool {
	return seq.Cmp(m.expected()) > 0 && m.lastSeq.Sign() == 0
}
