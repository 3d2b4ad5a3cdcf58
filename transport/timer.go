package transport

import "time"

// timer abstracts time.Timer's reset-on-activity pattern so the heartbeat
// watcher's deadline can be driven by a fake clock in tests (grounded on the
// teacher's own clock seam for its rate limiter).
type timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

type realTimer struct {
	t *time.Timer
}

func newRealTimer(d time.Duration) timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
