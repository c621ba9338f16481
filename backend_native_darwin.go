//go:build darwin

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NativeBackend is the optional kqueue-backed Backend (§4.5), generalized
// from the upstream FastPoller's kqueue/kevent usage. As with the Linux
// variant, per-fd record maps are tracked here rather than in FastPoller's
// single-callback-per-fd model, since multiple independent registrations
// can share one descriptor; each direction maps to its own EVFILT_READ /
// EVFILT_WRITE kevent, registered and removed independently.
type NativeBackend struct {
	invoker invoker
	timers  *timerQueue
	clock   Clock
	log     *driverLogger
	limiter *errorLimiter

	kq int

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

// NewNativeBackend constructs a kqueue-backed Backend; New calls it when
// WithNativeBackend is given.
func NewNativeBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (*NativeBackend, error) {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = noopLogger()
	}
	if limiter == nil {
		limiter = newErrorLimiter(0, 0)
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &BackendError{Op: "kqueue", Message: err.Error(), Cause: err}
	}
	unix.CloseOnExec(kq)

	r, w, err := unixPipe()
	if err != nil {
		_ = unix.Close(kq)
		return nil, &BackendError{Op: "pipe", Message: err.Error(), Cause: err}
	}

	b := &NativeBackend{
		invoker:       inv,
		timers:        timers,
		clock:         clock,
		log:           log,
		limiter:       limiter,
		kq:            kq,
		readStreams:   make(map[int]Stream),
		readRecords:   make(map[int]map[CallbackID]*record),
		writeStreams:  make(map[int]Stream),
		writeRecords:  make(map[int]map[CallbackID]*record),
		signalRecords: make(map[int]map[CallbackID]*record),
		pendingSigs:   make(chan int, 64),
		wakeRead:      r,
		wakeWrite:     w,
	}

	wakeEv := []unix.Kevent_t{{Ident: uint64(r), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}}
	if _, err := unix.Kevent(kq, wakeEv, nil, nil); err != nil {
		_ = unix.Close(kq)
		_ = unix.Close(r)
		_ = unix.Close(w)
		return nil, &BackendError{Op: "kevent", FD: r, Message: err.Error(), Cause: err}
	}

	return b, nil
}

func (b *NativeBackend) Now() time.Time { return b.clock.Now() }

// Handle exposes the raw kqueue file descriptor, per §4.5's interop
// requirement.
func (b *NativeBackend) Handle() any { return b.kq }

func (b *NativeBackend) SupportsSignals() bool { return true }

func (b *NativeBackend) deliverSignal(signo int) {
	select {
	case b.pendingSigs <- signo:
	default:
	}
	b.wake()
}

func (b *NativeBackend) wake() {
	var buf [1]byte
	_, _ = unix.Write(b.wakeWrite, buf[:])
}

func (b *NativeBackend) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(b.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *NativeBackend) Activate(records []*record) error {
	for _, r := range records {
		switch r.kind {
		case kindTimer:
			b.timers.insert(r)
			r.activated = true
		case kindStreamReadable:
			fd := r.stream.FD()
			first := len(b.readRecords[fd]) == 0
			b.readStreams[fd] = r.stream
			m := b.readRecords[fd]
			if m == nil {
				m = make(map[CallbackID]*record)
				b.readRecords[fd] = m
			}
			m[r.id] = r
			r.activated = true
			if first {
				if err := b.kqueueAdd(fd, unix.EVFILT_READ); err != nil {
					return err
				}
			}
		case kindStreamWritable:
			fd := r.stream.FD()
			first := len(b.writeRecords[fd]) == 0
			b.writeStreams[fd] = r.stream
			m := b.writeRecords[fd]
			if m == nil {
				m = make(map[CallbackID]*record)
				b.writeRecords[fd] = m
			}
			m[r.id] = r
			r.activated = true
			if first {
				if err := b.kqueueAdd(fd, unix.EVFILT_WRITE); err != nil {
					return err
				}
			}
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

func (b *NativeBackend) kqueueAdd(fd int, filter int16) error {
	ev := []unix.Kevent_t{{Ident: uint64(fd), Filter: filter, Flags: unix.EV_ADD | unix.EV_ENABLE}}
	if _, err := unix.Kevent(b.kq, ev, nil, nil); err != nil {
		return &BackendError{Op: "kevent_add", FD: fd, Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *NativeBackend) kqueueDelete(fd int, filter int16) {
	ev := []unix.Kevent_t{{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}}
	_, _ = unix.Kevent(b.kq, ev, nil, nil)
}

func (b *NativeBackend) armSignals() {
	b.signalOwner = &signalOwner{backend: b, signals: b.signalList()}
	globalSignalHub.arm(b.signalOwner)
}

func (b *NativeBackend) rearmSignals() {
	if b.signalOwner == nil {
		b.armSignals()
		return
	}
	globalSignalHub.disarm(b.signalOwner)
	b.signalOwner = &signalOwner{backend: b, signals: b.signalList()}
	globalSignalHub.arm(b.signalOwner)
}

func (b *NativeBackend) signalList() []osSignal {
	out := make([]osSignal, 0, len(b.signalRecords))
	for signo := range b.signalRecords {
		out = append(out, signoToSignal(signo))
	}
	return out
}

func (b *NativeBackend) Deactivate(r *record) error {
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
				b.kqueueDelete(fd, unix.EVFILT_READ)
			}
		}
	case kindStreamWritable:
		fd := r.stream.FD()
		if m := b.writeRecords[fd]; m != nil {
			delete(m, r.id)
			if len(m) == 0 {
				delete(b.writeRecords, fd)
				delete(b.writeStreams, fd)
				b.kqueueDelete(fd, unix.EVFILT_WRITE)
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

func (b *NativeBackend) Dispatch(blocking bool) error {
	now := b.clock.Now()

	var ts *unix.Timespec
	if blocking {
		if when, ok := b.timers.peek(); ok {
			d := when.Sub(now)
			if d < 0 {
				d = 0
			}
			t := unix.NsecToTimespec(d.Nanoseconds())
			ts = &t
		}
		// else: nil timespec blocks indefinitely
	} else {
		t := unix.NsecToTimespec(0)
		ts = &t
	}

	var events [256]unix.Kevent_t
	n, err := unix.Kevent(b.kq, nil, events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return &BackendError{Op: "kevent", Message: err.Error(), Cause: err}
		}
	}

	sawWake := false
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		if fd == b.wakeRead {
			sawWake = true
			continue
		}
		switch events[i].Filter {
		case unix.EVFILT_READ:
			b.dispatchReady(fd, b.readRecords)
		case unix.EVFILT_WRITE:
			b.dispatchReady(fd, b.writeRecords)
		}
	}
	if sawWake {
		b.drainWake()
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

func (b *NativeBackend) dispatchReady(fd int, byFD map[int]map[CallbackID]*record) {
	records := byFD[fd]
	if len(records) == 0 {
		return
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
}

func (b *NativeBackend) drainSignals() {
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

func (b *NativeBackend) Close() error {
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
	return unix.Close(b.kq)
}

// newNativeBackend adapts NewNativeBackend to the three-value shape New
// uses to decide whether to fall back to SelectBackend.
func newNativeBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (Backend, bool, error) {
	b, err := NewNativeBackend(inv, timers, clock, log, limiter)
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}
