package eventloop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// waker lets the driver interrupt a Backend currently blocked in Dispatch,
// used to make Stop() and context cancellation take effect promptly instead
// of waiting out whatever timeout Dispatch computed.
type waker interface {
	wake()
}

// Driver is the concrete AbstractDriver of §4.1: a backend-neutral state
// machine over callback registrations, owning every record, the
// pending-activation set, the microtask queue, and the installed error
// handler. It is generalized from the upstream Loop's goroutine-safe
// multi-queue design down to the spec's single-threaded semantics —
// cross-goroutine posting is explicitly out of scope, so no queue here
// needs locking except the one atomic bridge for context cancellation.
type Driver struct {
	id string

	backend Backend
	timers  *timerQueue
	anchor  *tickAnchor
	log     *driverLogger
	limiter *errorLimiter
	metrics *Metrics

	records          map[CallbackID]*record
	pendingActivation []*record

	microtasks      []func()
	microtaskSpare  []func()

	// suspensionEvents is the one channel this package uses to move work
	// from a fiber's goroutine (Suspension.Resume/Throw, fiber completion)
	// onto the driver's own goroutine, where it is safe to touch driver
	// state. Buffered so the common case (a fiber resuming promptly) never
	// blocks its sender.
	suspensionEvents chan func()
	runGoroutineID   atomic.Uint64

	errorHandler func(error)

	idSeq         uint64
	tickCount     uint64
	state         driverState
	stopRequested atomic.Bool
	fatalErr      error

	currentInvokable CallbackID
}

// New constructs a Driver. Without options it uses a SelectBackend, a
// no-op logger, and no error rate limiting — every ambient feature is
// opt-in via DriverOption, following the upstream LoopOption/
// resolveLoopOptions functional-options pattern.
func New(opts ...DriverOption) *Driver {
	cfg := resolveDriverOptions(opts)

	d := &Driver{
		id:               cfg.id,
		records:          make(map[CallbackID]*record),
		log:              cfg.logger,
		limiter:          cfg.limiter,
		metrics:          cfg.metrics,
		suspensionEvents: make(chan func(), 64),
	}
	d.anchor = newTickAnchor(cfg.clock)
	d.timers = newTimerQueue()

	switch {
	case cfg.backend != nil:
		d.backend = cfg.backend
	case cfg.preferNative:
		b, ok, err := newNativeBackend(d, d.timers, cfg.clock, d.log, d.limiter)
		if err != nil {
			panic(fmt.Errorf("eventloop: failed to construct native backend: %w", err))
		}
		if !ok {
			d.log.Warning().Str("driver_id", d.id).Log("native backend unavailable on this platform, falling back to select")
			b2, err := NewSelectBackend(d, d.timers, cfg.clock, d.log, d.limiter)
			if err != nil {
				panic(fmt.Errorf("eventloop: failed to construct default backend: %w", err))
			}
			d.backend = b2
		} else {
			d.backend = b
		}
	default:
		b, err := NewSelectBackend(d, d.timers, cfg.clock, d.log, d.limiter)
		if err != nil {
			// The only failure mode is pipe(2) exhaustion; surface it the
			// same way a bad configuration would in the upstream New().
			panic(fmt.Errorf("eventloop: failed to construct default backend: %w", err))
		}
		d.backend = b
	}

	return d
}

func (d *Driver) nextID() CallbackID {
	d.idSeq++
	return CallbackID(fmt.Sprintf("c%d", d.idSeq))
}

// IsRunning reports whether Run is currently executing.
func (d *Driver) IsRunning() bool { return d.state == stateRunning }

// GetHandle exposes the backend's opaque handle, if any.
func (d *Driver) GetHandle() any { return d.backend.Handle() }

// Stop signals the loop to exit after the current iteration completes.
// Safe to call from inside a callback; also safe to call from the context
// passed to Run being cancelled, the one cross-goroutine path this driver
// tolerates.
func (d *Driver) Stop() {
	d.stopRequested.Store(true)
	if w, ok := d.backend.(waker); ok {
		w.wake()
	}
}

// Close releases the backend's OS resources (wake pipe, native
// multiplexer, any armed signal registration). The driver must not be
// running.
func (d *Driver) Close() error {
	return d.backend.Close()
}

// Metrics returns the driver's metrics snapshot, or nil if WithMetrics was
// never enabled.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// Run enters the loop. Re-entry while already running fails with a
// LifecycleError. Returns when Stop is called, ctx is cancelled, or no
// enabled-and-referenced callback remains; also returns the first error
// that escaped with no error handler installed.
func (d *Driver) Run(ctx context.Context) error {
	if d.state == stateRunning {
		return &LifecycleError{Message: "run() already running"}
	}

	d.state = stateRunning
	d.stopRequested.Store(false)
	d.fatalErr = nil
	d.runGoroutineID.Store(getGoroutineID())
	defer d.runGoroutineID.Store(0)

	var watchDone chan struct{}
	if ctx != nil {
		watchDone = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				d.Stop()
			case <-watchDone:
			}
		}()
	}

	for {
		d.anchor.refresh()

		d.drainSuspensionEvents()

		if d.stopRequested.Load() || !d.hasLiveWork() {
			break
		}

		d.drainMicrotasks()
		d.activationPass()

		blocking := d.computeBlocking()
		if err := d.backend.Dispatch(blocking); err != nil {
			d.handleBackendError(err)
		}

		d.drainSuspensionEvents()
		d.drainMicrotasks()

		d.tickCount++
		if d.metrics != nil {
			d.metrics.recordTick(len(d.pendingActivation), d.timers.Len())
		}
		logTick(d.log, d.id, d.tickCount, len(d.pendingActivation), d.timers.Len())

		if d.fatalErr != nil {
			break
		}
	}

	if watchDone != nil {
		close(watchDone)
	}

	d.state = stateTerminated
	err := d.fatalErr
	d.fatalErr = nil
	return err
}

// hasLiveWork reports whether any record is keeping the loop alive:
// enabled, referenced, and not cancelled.
func (d *Driver) hasLiveWork() bool {
	for _, r := range d.records {
		if r.keepsAlive() {
			return true
		}
	}
	return false
}

// computeBlocking implements §4.1 step 4.
func (d *Driver) computeBlocking() bool {
	return d.hasLiveWork() && len(d.microtasks) == 0 && !d.stopRequested.Load()
}

// activationPass implements §4.1 step 3. Deferred records carry no
// backend-relevant state (no fd, no timer, no signal) so the driver invokes
// them directly instead of routing them through Backend.Activate; every
// other kind is handed to the backend in insertion order.
func (d *Driver) activationPass() {
	if len(d.pendingActivation) == 0 {
		return
	}

	pending := d.pendingActivation
	d.pendingActivation = nil

	var toBackend []*record
	for _, r := range pending {
		r.pendingActivation = false
		if r.cancelled || !r.enabled {
			continue
		}
		if r.kind == kindDeferred {
			d.invoke(r)
			continue
		}
		toBackend = append(toBackend, r)
	}

	if len(toBackend) > 0 {
		if err := d.backend.Activate(toBackend); err != nil {
			d.reportError(err)
		}
	}
}

// drainMicrotasks runs every queued microtask to FIFO completion, including
// any microtask enqueued by a microtask that ran earlier in the same drain
// — following the upstream auxJobs/auxJobsSpare batch-swap pattern so a
// continuously-refilled queue still drains to empty rather than being
// starved by append-while-iterating.
func (d *Driver) drainMicrotasks() {
	for len(d.microtasks) > 0 {
		batch := d.microtasks
		if d.microtaskSpare == nil {
			d.microtaskSpare = make([]func(), 0, len(batch))
		}
		d.microtasks = d.microtaskSpare[:0]

		for _, fn := range batch {
			d.runMicrotask(fn)
		}

		d.microtaskSpare = batch[:0]
	}
}

// drainSuspensionEvents runs every thunk a Suspension has posted from a
// fiber goroutine (a scheduled resume/throw, or a fiber's completion
// callback), in arrival order, on the driver's own goroutine. This is the
// only place suspension-related driver state is touched.
func (d *Driver) drainSuspensionEvents() {
	for {
		select {
		case fn := <-d.suspensionEvents:
			d.runMicrotask(fn)
		default:
			return
		}
	}
}

func (d *Driver) runMicrotask(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			d.reportError(PanicError{Value: p})
		}
	}()
	fn()
}

// Queue enqueues a microtask to run before the next I/O dispatch. FIFO,
// not cancellable.
func (d *Driver) Queue(fn func()) {
	d.microtasks = append(d.microtasks, fn)
}

// Defer schedules fn to run once in the next iteration.
func (d *Driver) Defer(fn DeferredFunc) CallbackID {
	r := &record{
		id:         d.nextID(),
		kind:       kindDeferred,
		enabled:    true,
		referenced: true,
		heapIndex:  -1,
		deferredFn: fn,
	}
	d.register(r)
	return r.id
}

// Delay schedules a one-shot timer. The record is cancelled before fn runs.
func (d *Driver) Delay(delay time.Duration, fn TimerFunc) CallbackID {
	r := &record{
		id:         d.nextID(),
		kind:       kindTimer,
		enabled:    true,
		referenced: true,
		heapIndex:  -1,
		timerFn:    fn,
		interval:   delay,
		expiration: d.anchor.current().Add(delay),
		repeat:     false,
	}
	d.register(r)
	return r.id
}

// Repeat schedules a periodic timer, re-armed at now()+interval after each
// invocation completes. interval must be positive.
func (d *Driver) Repeat(interval time.Duration, fn TimerFunc) (CallbackID, error) {
	if interval <= 0 {
		return "", &RangeError{Message: "eventloop: repeat interval must be > 0"}
	}
	r := &record{
		id:         d.nextID(),
		kind:       kindTimer,
		enabled:    true,
		referenced: true,
		heapIndex:  -1,
		timerFn:    fn,
		interval:   interval,
		expiration: d.anchor.current().Add(interval),
		repeat:     true,
	}
	d.register(r)
	return r.id, nil
}

// OnReadable registers a level-triggered readable-readiness callback.
func (d *Driver) OnReadable(stream Stream, fn StreamFunc) CallbackID {
	return d.onStream(kindStreamReadable, stream, fn)
}

// OnWritable registers a level-triggered writable-readiness callback.
func (d *Driver) OnWritable(stream Stream, fn StreamFunc) CallbackID {
	return d.onStream(kindStreamWritable, stream, fn)
}

func (d *Driver) onStream(kind recordKind, stream Stream, fn StreamFunc) CallbackID {
	r := &record{
		id:         d.nextID(),
		kind:       kind,
		enabled:    true,
		referenced: true,
		heapIndex:  -1,
		stream:     stream,
		streamFn:   fn,
	}
	d.register(r)
	return r.id
}

// OnSignal registers a POSIX signal callback. Fails with
// UnsupportedFeatureError if the active backend has no signal capability.
func (d *Driver) OnSignal(signo int, fn SignalFunc) (CallbackID, error) {
	if !d.backend.SupportsSignals() {
		return "", &UnsupportedFeatureError{Feature: "signals"}
	}
	r := &record{
		id:         d.nextID(),
		kind:       kindSignal,
		enabled:    true,
		referenced: true,
		heapIndex:  -1,
		signo:      signo,
		signalFn:   fn,
	}
	d.register(r)
	return r.id, nil
}

func (d *Driver) register(r *record) {
	d.records[r.id] = r
	r.pendingActivation = true
	d.pendingActivation = append(d.pendingActivation, r)
}

// lookup returns the live record for id, or nil if id is unknown or
// cancelled (cancelled ids never resolve again).
func (d *Driver) lookup(id CallbackID) *record {
	r, ok := d.records[id]
	if !ok || r.cancelled {
		return nil
	}
	return r
}

// Enable re-adds a disabled record to the pending-activation set.
// Enabling an already-enabled id is a no-op. Fails with
// InvalidCallbackError if id is unknown — this error surfaces to the
// caller per §7.
func (d *Driver) Enable(id CallbackID) (CallbackID, error) {
	r := d.lookup(id)
	if r == nil {
		return id, &InvalidCallbackError{CallbackID: id, Message: "unknown or cancelled callback"}
	}
	if r.enabled {
		return id, nil
	}
	r.enabled = true
	if !r.activated && !r.pendingActivation {
		r.pendingActivation = true
		d.pendingActivation = append(d.pendingActivation, r)
	}
	return id, nil
}

// Disable removes a record from the backend (if active) and from the
// pending-activation set (if present); the record itself is retained.
// Disabling an already-disabled id, or an unknown id, is a no-op — the
// InvalidCallbackError this would otherwise raise is absorbed per §7.
func (d *Driver) Disable(id CallbackID) CallbackID {
	r := d.lookup(id)
	if r == nil || !r.enabled {
		return id
	}
	r.enabled = false
	if r.pendingActivation {
		d.removeFromPending(r)
	}
	if r.activated {
		_ = d.backend.Deactivate(r)
		r.activated = false
	}
	return id
}

func (d *Driver) removeFromPending(r *record) {
	r.pendingActivation = false
	for i, p := range d.pendingActivation {
		if p == r {
			d.pendingActivation = append(d.pendingActivation[:i], d.pendingActivation[i+1:]...)
			return
		}
	}
}

// Reference marks a record as keeping the loop alive. Fails with
// InvalidCallbackError if id is unknown, surfacing to the caller per §7.
func (d *Driver) Reference(id CallbackID) (CallbackID, error) {
	r := d.lookup(id)
	if r == nil {
		return id, &InvalidCallbackError{CallbackID: id, Message: "unknown or cancelled callback"}
	}
	r.referenced = true
	return id, nil
}

// Unreference marks a record as not, by itself, keeping the loop alive.
// Unknown ids are absorbed as a no-op, by analogy with Disable/Cancel.
func (d *Driver) Unreference(id CallbackID) CallbackID {
	r := d.lookup(id)
	if r == nil {
		return id
	}
	r.referenced = false
	return id
}

// Cancel evicts a record entirely. No-op on an unknown id.
func (d *Driver) Cancel(id CallbackID) {
	r := d.lookup(id)
	if r == nil {
		return
	}
	d.cancelRecord(r)
}

func (d *Driver) cancelRecord(r *record) {
	if r.cancelled {
		return
	}
	if r.pendingActivation {
		d.removeFromPending(r)
	}
	if r.activated {
		_ = d.backend.Deactivate(r)
		r.activated = false
	}
	r.cancelled = true
	r.enabled = false
	r.referenced = false
	r.invokable = false
	delete(d.records, r.id)
}

// SetErrorHandler installs the handler, returning the previous one (nil if
// none) so callers can chain.
func (d *Driver) SetErrorHandler(fn func(error)) func(error) {
	prev := d.errorHandler
	d.errorHandler = fn
	return prev
}

func (d *Driver) handleBackendError(err error) {
	category := "backend"
	if be, ok := err.(*BackendError); ok {
		category = "backend:" + be.Op
	}
	allowed, suppressed := d.limiter.allow(category)
	if !allowed {
		return
	}
	if suppressed > 0 {
		d.log.Warning().Str("driver_id", d.id).Str("category", category).Int("suppressed", suppressed).Log("suppressed repeated backend errors")
	}
	d.reportError(err)
}

// reportError routes an error to the installed handler, or aborts Run if
// none is installed. A panicking handler also aborts Run, per §6.
func (d *Driver) reportError(err error) {
	logError(d.log, d.id, err)

	if d.errorHandler == nil {
		d.fatalErr = err
		d.stopRequested.Store(true)
		return
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				d.fatalErr = PanicError{Value: p}
				d.stopRequested.Store(true)
			}
		}()
		d.errorHandler(err)
	}()
}

// invoke implements the invoker contract the backend calls into, and is
// also called directly by activationPass for Deferred records. It
// implements §4.1's invokeCallback semantics.
func (d *Driver) invoke(r *record) {
	if r.cancelled {
		return
	}

	oneShot := r.kind == kindDeferred || (r.kind == kindTimer && !r.repeat)
	if oneShot {
		d.cancelRecord(r)
	} else {
		r.invokable = true
	}

	prevInvokable := d.currentInvokable
	d.currentInvokable = r.id
	logCallback(d.log, d.id, r.id, r.kind)

	start := d.anchor.clock.Now()
	err := d.callUserFunc(r)
	if d.metrics != nil {
		d.metrics.recordInvocation(d.anchor.clock.Now().Sub(start))
	}

	d.currentInvokable = prevInvokable

	if r.kind == kindTimer && r.repeat && !r.cancelled && r.activated {
		r.invokable = false
		r.expiration = d.anchor.clock.Now().Add(r.interval)
		d.timers.insert(r)
	}

	if err != nil {
		d.reportError(&UserCallbackError{CallbackID: r.id, Cause: err})
	}
}

func (d *Driver) callUserFunc(r *record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = PanicError{Value: p}
		}
	}()

	switch r.kind {
	case kindDeferred:
		err = r.deferredFn(r.id)
	case kindTimer:
		err = r.timerFn(r.id)
	case kindStreamReadable, kindStreamWritable:
		err = r.streamFn(r.id, r.stream)
	case kindSignal:
		err = r.signalFn(r.id, r.signo)
	}
	return err
}
