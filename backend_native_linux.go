//go:build linux

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NativeBackend is the optional epoll-backed Backend (§4.5), generalized
// from the upstream FastPoller's epoll_create1/epoll_ctl/epoll_wait usage.
// Unlike FastPoller's single-callback-per-fd design, this backend tracks
// the same per-fd multi-record maps as SelectBackend, since one descriptor
// can carry several independent readable/writable registrations; epoll
// itself only ever sees one combined interest mask per fd, rearmed via
// EPOLL_CTL_MOD whenever that union changes.
//
// Signal registrations are a process-global resource per §4.5: arming one
// NativeBackend's signal set disarms whichever backend (native or select)
// previously held it, via the shared globalSignalHub.
type NativeBackend struct {
	invoker invoker
	timers  *timerQueue
	clock   Clock
	log     *driverLogger
	limiter *errorLimiter

	epfd int

	readStreams  map[int]Stream
	readRecords  map[int]map[CallbackID]*record
	writeStreams map[int]Stream
	writeRecords map[int]map[CallbackID]*record
	epollMask    map[int]uint32

	signalRecords map[int]map[CallbackID]*record
	signalOwner   *signalOwner
	pendingSigs   chan int

	wakeRead  int
	wakeWrite int
	closed    bool
}

// NewNativeBackend constructs an epoll-backed Backend; New calls it when
// WithNativeBackend is given. Returns UnsupportedFeatureError-free on any modern Linux
// kernel; failure here means epoll_create1 or pipe(2) exhaustion.
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

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &BackendError{Op: "epoll_create1", Message: err.Error(), Cause: err}
	}

	r, w, err := unixPipe()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &BackendError{Op: "pipe", Message: err.Error(), Cause: err}
	}

	b := &NativeBackend{
		invoker:       inv,
		timers:        timers,
		clock:         clock,
		log:           log,
		limiter:       limiter,
		epfd:          epfd,
		readStreams:   make(map[int]Stream),
		readRecords:   make(map[int]map[CallbackID]*record),
		writeStreams:  make(map[int]Stream),
		writeRecords:  make(map[int]map[CallbackID]*record),
		epollMask:     make(map[int]uint32),
		signalRecords: make(map[int]map[CallbackID]*record),
		pendingSigs:   make(chan int, 64),
		wakeRead:      r,
		wakeWrite:     w,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r)}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(r)
		_ = unix.Close(w)
		return nil, &BackendError{Op: "epoll_ctl", FD: r, Message: err.Error(), Cause: err}
	}

	return b, nil
}

func (b *NativeBackend) Now() time.Time { return b.clock.Now() }

// Handle exposes the raw epoll file descriptor, per §4.5's interop
// requirement.
func (b *NativeBackend) Handle() any { return b.epfd }

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
			b.readStreams[fd] = r.stream
			m := b.readRecords[fd]
			if m == nil {
				m = make(map[CallbackID]*record)
				b.readRecords[fd] = m
			}
			m[r.id] = r
			r.activated = true
			if err := b.syncEpoll(fd); err != nil {
				return err
			}
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
			if err := b.syncEpoll(fd); err != nil {
				return err
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

// syncEpoll recomputes fd's combined interest mask from the current read
// and write record sets and issues the appropriate epoll_ctl verb (ADD on
// first interest, MOD on a changed mask, DEL once interest disappears).
func (b *NativeBackend) syncEpoll(fd int) error {
	var mask uint32
	if len(b.readRecords[fd]) > 0 {
		mask |= unix.EPOLLIN
	}
	if len(b.writeRecords[fd]) > 0 {
		mask |= unix.EPOLLOUT
	}

	prev, existed := b.epollMask[fd]
	if mask == 0 {
		if existed {
			delete(b.epollMask, fd)
			if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
				return &BackendError{Op: "epoll_ctl_del", FD: fd, Message: err.Error(), Cause: err}
			}
		}
		return nil
	}

	ev := &unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if !existed {
		b.epollMask[fd] = mask
		if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return &BackendError{Op: "epoll_ctl_add", FD: fd, Message: err.Error(), Cause: err}
		}
		return nil
	}
	if prev != mask {
		b.epollMask[fd] = mask
		if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return &BackendError{Op: "epoll_ctl_mod", FD: fd, Message: err.Error(), Cause: err}
		}
	}
	return nil
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
			}
		}
		if err := b.syncEpoll(fd); err != nil {
			return err
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
		if err := b.syncEpoll(fd); err != nil {
			return err
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

	timeoutMs := 0
	if blocking {
		if when, ok := b.timers.peek(); ok {
			if d := when.Sub(now); d > 0 {
				timeoutMs = int(d.Milliseconds())
			}
		} else {
			timeoutMs = -1
		}
	}

	var events [256]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return &BackendError{Op: "epoll_wait", Message: err.Error(), Cause: err}
		}
	}

	sawWake := false
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == b.wakeRead {
			sawWake = true
			continue
		}
		mask := events[i].Events
		if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			b.dispatchReady(fd, b.readRecords)
		}
		if mask&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
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
	return unix.Close(b.epfd)
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
