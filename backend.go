//go:build !windows

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SelectBackend is the always-available, cross-platform Backend, built on
// golang.org/x/sys/unix.Select exactly as the upstream poller files reserve
// a select/epoll/kqueue tier beneath the driver. It maintains its own read
// and write stream sets, a signal_callbacks table, and the TimerQueue, per
// §4.4.
type SelectBackend struct {
	invoker invoker
	timers  *timerQueue
	clock   Clock
	log     *driverLogger
	limiter *errorLimiter

	readStreams  map[int]Stream
	readRecords  map[int]map[CallbackID]*record
	writeStreams map[int]Stream
	writeRecords map[int]map[CallbackID]*record

	signalRecords map[int]map[CallbackID]*record
	signalOwner   *signalOwner
	pendingSigs   chan int

	wakeRead  int
	wakeWrite int
	closed    bool
}

// NewSelectBackend constructs a SelectBackend. The invoker is the driver
// that will receive ready records; timers is shared with the driver so both
// observe the same queue state.
func NewSelectBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (*SelectBackend, error) {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = noopLogger()
	}
	if limiter == nil {
		limiter = newErrorLimiter(0, 0)
	}

	r, w, err := unixPipe()
	if err != nil {
		return nil, &BackendError{Op: "pipe", Message: err.Error(), Cause: err}
	}

	b := &SelectBackend{
		invoker:       inv,
		timers:        timers,
		clock:         clock,
		log:           log,
		limiter:       limiter,
		readStreams:   make(map[int]Stream),
		readRecords:   make(map[int]map[CallbackID]*record),
		writeStreams:  make(map[int]Stream),
		writeRecords:  make(map[int]map[CallbackID]*record),
		signalRecords: make(map[int]map[CallbackID]*record),
		pendingSigs:   make(chan int, 64),
		wakeRead:      r,
		wakeWrite:     w,
	}
	return b, nil
}

func (b *SelectBackend) Now() time.Time { return b.clock.Now() }

func (b *SelectBackend) Handle() any { return nil }

func (b *SelectBackend) SupportsSignals() bool { return true }

// deliverSignal implements signalDeliverer. Called from the signal-relay
// goroutine, never from the driver goroutine, so it only enqueues; actual
// invocation happens inside Dispatch on the driver goroutine.
func (b *SelectBackend) deliverSignal(signo int) {
	select {
	case b.pendingSigs <- signo:
	default:
		// Buffer full: an earlier, not-yet-drained delivery of the same
		// signo already guarantees a wakeup and dispatch pass, so a
		// dropped duplicate cannot lose delivery, only coalesce bursts.
	}
	b.wake()
}

// wake writes a byte to the self-pipe so a blocked Select returns promptly,
// following the upstream wake-pipe pattern (loop.go's wakePipe/doWakeup)
// generalized from an eventfd (Linux-only) to a plain pipe so it works
// under the cross-platform SelectBackend.
func (b *SelectBackend) wake() {
	var buf [1]byte
	_, _ = unix.Write(b.wakeWrite, buf[:])
}

func (b *SelectBackend) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(b.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Activate registers Timer, StreamReadable, StreamWritable and Signal
// records. Deferred is never passed here; see the Backend doc comment.
func (b *SelectBackend) Activate(records []*record) error {
	for _, r := range records {
		switch r.kind {
		case kindTimer:
			b.timers.insert(r)
			r.activated = true
		case kindStreamReadable:
			fd := r.stream.FD()
			b.readStreams[fd] = r.stream
			m := b.readRecords[fd]
			if m == nil {
				m = make(map[CallbackID]*record)
				b.readRecords[fd] = m
			}
			m[r.id] = r
			r.activated = true
		case kindStreamWritable:
			fd := r.stream.FD()
			b.writeStreams[fd] = r.stream
			m := b.writeRecords[fd]
			if m == nil {
				m = make(map[CallbackID]*record)
				b.writeRecords[fd] = m
			}
			m[r.id] = r
			r.activated = true
		case kindSignal:
			m := b.signalRecords[r.signo]
			firstForGroup := len(b.signalRecords) == 0
			if m == nil {
				m = make(map[CallbackID]*record)
				b.signalRecords[r.signo] = m
			}
			m[r.id] = r
			r.activated = true
			if firstForGroup {
				b.armSignals()
			} else {
				b.rearmSignals()
			}
		default:
			return fmt.Errorf("eventloop: backend cannot activate record kind %s", r.kind)
		}
	}
	return nil
}

func (b *SelectBackend) armSignals() {
	b.signalOwner = &signalOwner{backend: b, signals: b.signalList()}
	globalSignalHub.arm(b.signalOwner)
}

func (b *SelectBackend) rearmSignals() {
	if b.signalOwner == nil {
		b.armSignals()
		return
	}
	globalSignalHub.disarm(b.signalOwner)
	b.signalOwner = &signalOwner{backend: b, signals: b.signalList()}
	globalSignalHub.arm(b.signalOwner)
}

func (b *SelectBackend) signalList() []osSignal {
	out := make([]osSignal, 0, len(b.signalRecords))
	for signo := range b.signalRecords {
		out = append(out, signoToSignal(signo))
	}
	return out
}

// Deactivate removes a single record from the backend. Restores default
// disposition for a signo (and, if no signal groups remain, disarms the
// process-wide registration) once its last record is gone.
func (b *SelectBackend) Deactivate(r *record) error {
	switch r.kind {
	case kindTimer:
		b.timers.remove(r)
	case kindStreamReadable:
		fd := r.stream.FD()
		if m := b.readRecords[fd]; m != nil {
			delete(m, r.id)
			if len(m) == 0 {
				delete(b.readRecords, fd)
				delete(b.readStreams, fd)
			}
		}
	case kindStreamWritable:
		fd := r.stream.FD()
		if m := b.writeRecords[fd]; m != nil {
			delete(m, r.id)
			if len(m) == 0 {
				delete(b.writeRecords, fd)
				delete(b.writeStreams, fd)
			}
		}
	case kindSignal:
		if m := b.signalRecords[r.signo]; m != nil {
			delete(m, r.id)
			if len(m) == 0 {
				delete(b.signalRecords, r.signo)
			}
		}
		if len(b.signalRecords) == 0 {
			if b.signalOwner != nil {
				globalSignalHub.disarm(b.signalOwner)
				b.signalOwner = nil
			}
		} else {
			b.rearmSignals()
		}
	}
	r.activated = false
	return nil
}

// Dispatch implements the §4.4 algorithm: compute a timeout, select, treat
// EINTR as empty readiness, invoke ready streams (skipping any callback a
// prior invocation in the same pass already removed), extract and invoke
// due timers re-arming repeaters, then drain and invoke delivered signals.
func (b *SelectBackend) Dispatch(blocking bool) error {
	now := b.clock.Now()

	var timeoutMs int64 = -1
	if blocking {
		if when, ok := b.timers.peek(); ok {
			if d := when.Sub(now); d > 0 {
				timeoutMs = d.Milliseconds()
			} else {
				timeoutMs = 0
			}
		}
		// else: infinite, timeoutMs stays -1
	} else {
		timeoutMs = 0
	}

	var rfds, wfds unix.FdSet
	maxFD := b.wakeRead
	rfds.Set(b.wakeRead)
	for fd := range b.readStreams {
		rfds.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}
	for fd := range b.writeStreams {
		wfds.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	if maxFD >= fdSetSize {
		return &BackendError{Op: "select", FD: maxFD, Message: "fd exceeds FD_SETSIZE; use the native backend for this descriptor"}
	}

	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(timeoutMs * int64(time.Millisecond))
		tv = &t
	}

	n, err := unix.Select(maxFD+1, &rfds, &wfds, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return &BackendError{Op: "select", Message: err.Error(), Cause: err}
		}
	}

	if n > 0 && rfds.IsSet(b.wakeRead) {
		b.drainWake()
	}

	if n > 0 {
		b.dispatchReady(&rfds, b.readRecords, IOReadable)
		b.dispatchReady(&wfds, b.writeRecords, IOWritable)
	}

	for {
		r := b.timers.extract(now)
		if r == nil {
			break
		}
		b.invoker.invoke(r)
	}

	b.drainSignals()

	return nil
}

func (b *SelectBackend) dispatchReady(fds *unix.FdSet, byFD map[int]map[CallbackID]*record, events IOEvents) {
	for fd, records := range byFD {
		if !fds.IsSet(fd) {
			continue
		}
		// Snapshot before invoking: a callback in this pass may cancel a
		// sibling callback on the same stream, and the skip-if-removed
		// rule (§4.4 step 5) must observe that removal without iterating
		// a map being mutated concurrently.
		snapshot := make([]*record, 0, len(records))
		for _, r := range records {
			snapshot = append(snapshot, r)
		}
		for _, r := range snapshot {
			if !r.activated {
				continue // removed by an earlier callback in this same pass
			}
			b.invoker.invoke(r)
		}
	}
}

func (b *SelectBackend) drainSignals() {
	for {
		select {
		case signo := <-b.pendingSigs:
			records := b.signalRecords[signo]
			if len(records) == 0 {
				continue
			}
			snapshot := make([]*record, 0, len(records))
			for _, r := range records {
				snapshot = append(snapshot, r)
			}
			for _, r := range snapshot {
				if !r.activated {
					continue
				}
				b.invoker.invoke(r)
			}
		default:
			return
		}
	}
}

func (b *SelectBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.signalOwner != nil {
		globalSignalHub.disarm(b.signalOwner)
		b.signalOwner = nil
	}
	_ = unix.Close(b.wakeRead)
	if b.wakeWrite != b.wakeRead {
		_ = unix.Close(b.wakeWrite)
	}
	return nil
}

// IOEvents mirrors the upstream FastPoller's readiness bitmask, generalized
// here to describe which direction triggered a callback.
type IOEvents uint32

const (
	IOReadable IOEvents = 1 << iota
	IOWritable
	IOError
	IOHangup
)

const fdSetSize = 1024

func unixPipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
