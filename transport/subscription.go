package transport

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// subscriptionKey derives the deterministic registry key for a (channel,
// params) pair by canonically sorting the parameter pairs (spec §3.5).
func subscriptionKey(channel string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(channel)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// subscription is the registry record for one active stream (spec §3.5).
type subscription struct {
	channel string
	params  map[string]string
	// lastSeq is the highest sequence observed or acknowledged by the
	// server on this stream; used to request a replay on reconnect
	// (spec §4.1.5).
	lastSeq int64
}

// pendingSubscribe tracks the single subscribe request awaiting the
// server's "subscribed" acknowledgement. The wire protocol's error frame
// (spec §6.1) carries no channel of its own, so only one subscribe can be
// outstanding at a time for unambiguous correlation — the same constraint
// the teacher documents for its own subscription changes.
type pendingSubscribe struct {
	key string
	// reqID is a locally generated correlation identifier, logged around a
	// subscribe's lifecycle. The wire protocol itself carries no request id
	// for subscribe/unsubscribe (spec §6.1), so this never leaves the
	// process; it exists purely to tie together the "sent"/"resolved" log
	// lines for one subscribe attempt.
	reqID   string
	channel string
	params  map[string]string
	result  chan error
}

type subscriptionRegistry struct {
	mu      sync.Mutex
	subs    map[string]*subscription
	pending *pendingSubscribe
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[string]*subscription),
	}
}

func (r *subscriptionRegistry) isActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// beginPending registers a new in-flight subscribe, failing if any
// subscribe is already outstanding.
func (r *subscriptionRegistry) beginPending(key, channel string, params map[string]string) (*pendingSubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil, ErrSubscribeChangeInProgress
	}
	p := &pendingSubscribe{key: key, reqID: uuid.NewString(), channel: channel, params: params, result: make(chan error, 1)}
	r.pending = p
	return p, nil
}

// resolveSubscribed completes the pending subscribe for key with success,
// activating the subscription. A frame for a key with no matching pending
// request (e.g. the ack to a resubscribe after reconnect) still records the
// subscription but resolves no caller. An existing lastSeq higher than
// snapshotSeq is kept.
func (r *subscriptionRegistry) resolveSubscribed(key, channel string, params map[string]string, snapshotSeq int64) {
	r.mu.Lock()
	var p *pendingSubscribe
	if r.pending != nil && r.pending.key == key {
		p = r.pending
		r.pending = nil
	}
	lastSeq := snapshotSeq
	if existing, ok := r.subs[key]; ok && existing.lastSeq > lastSeq {
		lastSeq = existing.lastSeq
	}
	r.subs[key] = &subscription{channel: channel, params: params, lastSeq: lastSeq}
	r.mu.Unlock()

	if p != nil {
		p.result <- nil
	}
}

// rejectPending completes the single pending subscribe with an error. Used
// when the server sends an uncorrelated error frame while a subscribe is
// outstanding.
func (r *subscriptionRegistry) rejectPending(err error) (channel string, ok bool) {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()
	if p == nil {
		return "", false
	}
	p.result <- err
	return p.channel, true
}

// abandonPending cancels the pending subscribe without a server response,
// e.g. because the caller's context was cancelled.
func (r *subscriptionRegistry) abandonPending(key string) {
	r.mu.Lock()
	if r.pending != nil && r.pending.key == key {
		r.pending = nil
	}
	r.mu.Unlock()
}

// disconnect rejects any pending subscribe (the connection carrying it is
// gone) and leaves active subscriptions in place so they can be restored on
// reconnect.
func (r *subscriptionRegistry) disconnect() {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()

	if p != nil {
		p.result <- ErrDisconnected
	}
}

func (r *subscriptionRegistry) remove(key string) {
	r.mu.Lock()
	delete(r.subs, key)
	r.mu.Unlock()
}

// updateLastSeq records the highest sequence seen for key so a later
// reconnect can request a targeted replay.
func (r *subscriptionRegistry) updateLastSeq(key string, seq int64) {
	r.mu.Lock()
	if s, ok := r.subs[key]; ok && seq > s.lastSeq {
		s.lastSeq = seq
	}
	r.mu.Unlock()
}

// snapshot returns a stable copy of all active subscriptions, used to
// re-subscribe after a reconnect (spec §4.1.5).
func (r *subscriptionRegistry) snapshot() map[string]subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]subscription, len(r.subs))
	for k, v := range r.subs {
		out[k] = *v
	}
	return out
}

func paramsWithLastSeq(params map[string]string, lastSeq int64) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["last_seq"] = strconv.FormatInt(lastSeq, 10)
	return out
}
