package mqtt

import (
	"errors"
	"sync"
	"time"

	"github.com/nugget/reddit-agent/internal/session"
)

// DailyCalls counts session tool calls since local midnight. It
// implements session.Observer and is safe for concurrent use.
type DailyCalls struct {
	mu       sync.Mutex
	calls    int64
	failures int64
	timeouts int64
	last     time.Time
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCalls creates a counter that resets at midnight in loc. If
// loc is nil, [time.Local] is used.
func NewDailyCalls(loc *time.Location) *DailyCalls {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCalls{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// ObserveCall counts one session operation. Health-check pings are
// ignored.
func (d *DailyCalls) ObserveCall(ev session.CallEvent) {
	if ev.Operation == "ping" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.calls++
	if ev.Err != nil {
		d.failures++
	}
	if errors.Is(ev.Err, session.ErrCallTimeout) {
		d.timeouts++
	}
	d.last = ev.Started.Add(ev.Duration)
}

// Snapshot returns today's totals and the completion time of the most
// recent call (zero if none since startup).
func (d *DailyCalls) Snapshot() (calls, failures, timeouts int64, last time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.calls, d.failures, d.timeouts, d.last
}

// maybeReset zeroes the counters when the local day changes. Must be
// called with d.mu held.
func (d *DailyCalls) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.calls = 0
		d.failures = 0
		d.timeouts = 0
		d.resetDay = today
	}
}
