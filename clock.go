package eventloop

import "time"

// Clock abstracts monotonic time so tests can inject a controllable source,
// following the same injection seam as the driver's WithClock option.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock, backed by time.Now. time.Time carries a
// monotonic reading when available, so arithmetic against it survives wall
// clock adjustments the same way the anchor-based CurrentTickTime of the
// upstream loop does.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// tickAnchor caches "now" for the duration of one iteration, following the
// upstream Loop's tickAnchor/CurrentTickTime pattern: a single read of the
// clock per tick keeps all timer math within that tick self-consistent. The
// anchor is first sampled when the Driver is constructed and re-sampled at
// the start of every Run iteration.
//
// Unlike the upstream Loop, the driver never races another goroutine over
// this field — the reactor owns its goroutine exclusively during Run — so
// no mutex guards it.
type tickAnchor struct {
	clock Clock
	now   time.Time
}

func newTickAnchor(clock Clock) *tickAnchor {
	if clock == nil {
		clock = systemClock{}
	}
	return &tickAnchor{clock: clock, now: clock.Now()}
}

// refresh re-samples the clock for the next iteration.
func (a *tickAnchor) refresh() time.Time {
	a.now = a.clock.Now()
	return a.now
}

// current returns the cached time for the current tick.
func (a *tickAnchor) current() time.Time {
	return a.now
}
