package eventloop

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

// TracingDriver is a transparent decorator over *Driver that records a stack
// snapshot at every registration ("creation trace") and at every
// cancellation ("cancellation trace"), surfacing both on InvalidCallbackError
// raised by Enable/Reference, and via Dump for "why is the loop still
// running?" diagnostics (§4.6, §8 invariant 9, scenario S6).
//
// Capturing a stack trace on every registration is relatively expensive;
// TracingDriver is meant for diagnosing a misbehaving loop, not for
// steady-state production use — wrap only when diagnostics are requested,
// via Wrap or NewTracing.
type TracingDriver struct {
	*Driver

	mu     sync.Mutex
	traces map[CallbackID]*callbackTrace
}

type callbackTrace struct {
	creation     string
	cancellation string
}

// Wrap decorates d with tracing. d must not already be running.
func Wrap(d *Driver) *TracingDriver {
	return &TracingDriver{
		Driver: d,
		traces: make(map[CallbackID]*callbackTrace),
	}
}

// NewTracing is equivalent to Wrap(New(opts...)).
func NewTracing(opts ...DriverOption) *TracingDriver {
	return Wrap(New(opts...))
}

func captureStack() string {
	return string(debug.Stack())
}

func (t *TracingDriver) record(id CallbackID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traces[id] = &callbackTrace{creation: captureStack()}
}

func (t *TracingDriver) recordCancellation(id CallbackID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.traces[id]; ok {
		tr.cancellation = captureStack()
	}
}

func (t *TracingDriver) Defer(fn DeferredFunc) CallbackID {
	id := t.Driver.Defer(fn)
	t.record(id)
	return id
}

func (t *TracingDriver) Delay(delay time.Duration, fn TimerFunc) CallbackID {
	id := t.Driver.Delay(delay, fn)
	t.record(id)
	return id
}

func (t *TracingDriver) Repeat(interval time.Duration, fn TimerFunc) (CallbackID, error) {
	id, err := t.Driver.Repeat(interval, fn)
	if err != nil {
		return id, err
	}
	t.record(id)
	return id, nil
}

func (t *TracingDriver) OnReadable(stream Stream, fn StreamFunc) CallbackID {
	id := t.Driver.OnReadable(stream, fn)
	t.record(id)
	return id
}

func (t *TracingDriver) OnWritable(stream Stream, fn StreamFunc) CallbackID {
	id := t.Driver.OnWritable(stream, fn)
	t.record(id)
	return id
}

func (t *TracingDriver) OnSignal(signo int, fn SignalFunc) (CallbackID, error) {
	id, err := t.Driver.OnSignal(signo, fn)
	if err != nil {
		return id, err
	}
	t.record(id)
	return id, nil
}

func (t *TracingDriver) Cancel(id CallbackID) {
	t.recordCancellation(id)
	t.Driver.Cancel(id)
}

// Enable augments the underlying InvalidCallbackError, if any, with both
// traces recorded for id.
func (t *TracingDriver) Enable(id CallbackID) (CallbackID, error) {
	rid, err := t.Driver.Enable(id)
	return rid, t.augment(id, err)
}

// Reference augments the underlying InvalidCallbackError, if any, with both
// traces recorded for id.
func (t *TracingDriver) Reference(id CallbackID) (CallbackID, error) {
	rid, err := t.Driver.Reference(id)
	return rid, t.augment(id, err)
}

func (t *TracingDriver) augment(id CallbackID, err error) error {
	if err == nil {
		return nil
	}
	ice, ok := err.(*InvalidCallbackError)
	if !ok {
		return err
	}
	t.mu.Lock()
	tr := t.traces[id]
	t.mu.Unlock()
	if tr != nil {
		ice.CreationTrace = tr.creation
		ice.CancellationTrace = tr.cancellation
	}
	return ice
}

// Dump lists every record TracingDriver still considers live — enabled and
// referenced — as a block "Callback identifier: <id>" followed by its
// creation trace, blocks separated by a blank line. Order is by id for
// determinism.
func (t *TracingDriver) Dump() string {
	t.mu.Lock()
	ids := make([]CallbackID, 0, len(t.traces))
	for id := range t.traces {
		ids = append(ids, id)
	}
	traces := t.traces
	t.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	first := true
	for _, id := range ids {
		r := t.Driver.lookup(id)
		if r == nil || !r.enabled || !r.referenced {
			continue
		}
		if !first {
			b.WriteString("\n\n")
		}
		first = false
		fmt.Fprintf(&b, "Callback identifier: %s\n%s", id, traces[id].creation)
	}
	return b.String()
}
