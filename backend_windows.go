//go:build windows

package eventloop

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// NativeBackend is the Windows dispatch backend. IOCP is a completion port,
// not a readiness poller, so readiness is projected onto it the standard
// way: a zero-length overlapped WSARecv completes exactly when data becomes
// available without consuming it, so an unconsumed completion reposts and
// completes again immediately — giving the same level-triggered semantics
// select/epoll/kqueue provide here. A zero-length overlapped WSASend
// completes once the send buffer can accept more data, and a second
// zero-length WSARecv posted with MSG_OOB folds Windows' exceptional/
// out-of-band condition into writable-ready.
//
// Grounded on the teacher's IOCP plumbing: CreateIoCompletionPort/
// GetQueuedCompletionStatus from poller_windows.go, and the
// PostQueuedCompletionStatus wake mechanism from wakeup_windows.go —
// generalized from its single-callback-per-fd model to the shared per-fd
// multi-record maps the other native backends use.
type NativeBackend struct {
	inv     invoker
	timers  *timerQueue
	clock   Clock
	log     *driverLogger
	limiter *errorLimiter

	iocp windows.Handle

	mu            sync.Mutex
	associated    map[int]bool
	readRecords   map[int]map[CallbackID]*record
	writeRecords  map[int]map[CallbackID]*record
	inflightRead  map[int]*ioRequest
	inflightWrite map[int]*ioRequest
	inflightOOB   map[int]*ioRequest

	signalRecords map[CallbackID]*record
	signalOwner   *signalOwner

	closed bool
}

// ioRequestKind distinguishes the three standing overlapped requests a
// registered fd may have in flight at once.
type ioRequestKind uint8

const (
	ioRequestRead ioRequestKind = iota
	ioRequestWrite
	ioRequestOOB
)

// ioRequest must embed windows.Overlapped as its first field: the pointer
// GetQueuedCompletionStatus hands back on completion is that same
// *windows.Overlapped, recovered here via an unsafe cast back to the
// enclosing struct, the standard pattern for IOCP operation state in Go.
type ioRequest struct {
	ol   windows.Overlapped
	fd   int
	kind ioRequestKind
	buf  [1]byte
	wbuf windows.WSABuf
}

func NewNativeBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (*NativeBackend, error) {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, &BackendError{Op: "create_io_completion_port", Message: err.Error(), Cause: err}
	}
	return &NativeBackend{
		inv:           inv,
		timers:        timers,
		clock:         clock,
		log:           log,
		limiter:       limiter,
		iocp:          iocp,
		associated:    make(map[int]bool),
		readRecords:   make(map[int]map[CallbackID]*record),
		writeRecords:  make(map[int]map[CallbackID]*record),
		inflightRead:  make(map[int]*ioRequest),
		inflightWrite: make(map[int]*ioRequest),
		inflightOOB:   make(map[int]*ioRequest),
		signalRecords: make(map[CallbackID]*record),
	}, nil
}

func (b *NativeBackend) Now() time.Time { return b.clock.Now() }

func (b *NativeBackend) Handle() any { return b.iocp }

func (b *NativeBackend) SupportsSignals() bool { return true }

func (b *NativeBackend) deliverSignal(signo int) {
	b.mu.Lock()
	var toInvoke []*record
	for _, r := range b.signalRecords {
		if r.signo == signo {
			toInvoke = append(toInvoke, r)
		}
	}
	b.mu.Unlock()
	for _, r := range toInvoke {
		b.inv.invoke(r)
	}
}

func (b *NativeBackend) signalList() []osSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[int]bool)
	var out []osSignal
	for _, r := range b.signalRecords {
		if !seen[r.signo] {
			seen[r.signo] = true
			out = append(out, signoToSignal(r.signo))
		}
	}
	return out
}

func (b *NativeBackend) wake() {
	_ = windows.PostQueuedCompletionStatus(b.iocp, 0, 0, nil)
}

func (b *NativeBackend) associate(fd int) error {
	if b.associated[fd] {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), b.iocp, uintptr(fd), 0); err != nil {
		return err
	}
	b.associated[fd] = true
	return nil
}

func (b *NativeBackend) postRead(fd int) {
	if _, ok := b.inflightRead[fd]; ok {
		return
	}
	req := &ioRequest{fd: fd, kind: ioRequestRead}
	req.wbuf = windows.WSABuf{Len: 0, Buf: &req.buf[0]}
	b.inflightRead[fd] = req
	var recvd, flags uint32
	if err := windows.WSARecv(windows.Handle(fd), &req.wbuf, 1, &recvd, &flags, &req.ol, nil); err != nil && err != windows.ERROR_IO_PENDING {
		delete(b.inflightRead, fd)
		b.log.Warning().Int("fd", fd).Log("failed to post zero-byte read for readiness")
	}
}

func (b *NativeBackend) postWrite(fd int) {
	if _, ok := b.inflightWrite[fd]; ok {
		return
	}
	req := &ioRequest{fd: fd, kind: ioRequestWrite}
	req.wbuf = windows.WSABuf{Len: 0, Buf: &req.buf[0]}
	b.inflightWrite[fd] = req
	var sent uint32
	if err := windows.WSASend(windows.Handle(fd), &req.wbuf, 1, &sent, 0, &req.ol, nil); err != nil && err != windows.ERROR_IO_PENDING {
		delete(b.inflightWrite, fd)
		b.log.Warning().Int("fd", fd).Log("failed to post zero-byte write for readiness")
	}

	if _, ok := b.inflightOOB[fd]; ok {
		return
	}
	oob := &ioRequest{fd: fd, kind: ioRequestOOB}
	oob.wbuf = windows.WSABuf{Len: 0, Buf: &oob.buf[0]}
	b.inflightOOB[fd] = oob
	var recvd, flags uint32
	flags = windows.MSG_OOB
	if err := windows.WSARecv(windows.Handle(fd), &oob.wbuf, 1, &recvd, &flags, &oob.ol, nil); err != nil && err != windows.ERROR_IO_PENDING {
		delete(b.inflightOOB, fd)
	}
}

func (b *NativeBackend) Activate(records []*record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range records {
		switch r.kind {
		case kindTimer:
			b.timers.insert(r)
			r.activated = true
		case kindStreamReadable:
			fd := r.stream.FD()
			if err := b.associate(fd); err != nil {
				return &BackendError{Op: "associate", FD: fd, Message: err.Error(), Cause: err}
			}
			if b.readRecords[fd] == nil {
				b.readRecords[fd] = make(map[CallbackID]*record)
			}
			b.readRecords[fd][r.id] = r
			r.activated = true
			b.postRead(fd)
		case kindStreamWritable:
			fd := r.stream.FD()
			if err := b.associate(fd); err != nil {
				return &BackendError{Op: "associate", FD: fd, Message: err.Error(), Cause: err}
			}
			if b.writeRecords[fd] == nil {
				b.writeRecords[fd] = make(map[CallbackID]*record)
			}
			b.writeRecords[fd][r.id] = r
			r.activated = true
			b.postWrite(fd)
		case kindSignal:
			b.signalRecords[r.id] = r
			r.activated = true
			if b.signalOwner == nil {
				b.signalOwner = &signalOwner{backend: b, signals: b.signalList()}
				globalSignalHub.arm(b.signalOwner)
			} else {
				globalSignalHub.disarm(b.signalOwner)
				b.signalOwner.signals = b.signalList()
				globalSignalHub.arm(b.signalOwner)
			}
		default:
			return fmt.Errorf("eventloop: backend cannot activate record kind %s", r.kind)
		}
	}
	return nil
}

func (b *NativeBackend) Deactivate(r *record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.kind {
	case kindTimer:
		b.timers.remove(r)
	case kindStreamReadable:
		fd := r.stream.FD()
		if set := b.readRecords[fd]; set != nil {
			delete(set, r.id)
			if len(set) == 0 {
				delete(b.readRecords, fd)
			}
		}
	case kindStreamWritable:
		fd := r.stream.FD()
		if set := b.writeRecords[fd]; set != nil {
			delete(set, r.id)
			if len(set) == 0 {
				delete(b.writeRecords, fd)
			}
		}
	case kindSignal:
		delete(b.signalRecords, r.id)
		if len(b.signalRecords) == 0 && b.signalOwner != nil {
			globalSignalHub.disarm(b.signalOwner)
			b.signalOwner = nil
		}
	}
	return nil
}

func (b *NativeBackend) Dispatch(blocking bool) error {
	var timeoutMs uint32
	if blocking {
		if when, ok := b.timers.peek(); ok {
			d := when.Sub(b.clock.Now())
			if d < 0 {
				d = 0
			}
			timeoutMs = uint32(d.Milliseconds())
		} else {
			timeoutMs = windows.INFINITE
		}
	}

	var qty uint32
	var key uintptr
	var ol *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(b.iocp, &qty, &key, &ol, timeoutMs)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			b.dispatchDueTimers()
			return nil
		}
		return &BackendError{Op: "get_queued_completion_status", Message: err.Error(), Cause: err}
	}

	if ol != nil {
		req := (*ioRequest)(unsafe.Pointer(ol))
		b.handleCompletion(req)
	}

	b.dispatchDueTimers()
	return nil
}

func (b *NativeBackend) handleCompletion(req *ioRequest) {
	b.mu.Lock()
	fd := req.fd
	var ready []*record
	switch req.kind {
	case ioRequestRead:
		delete(b.inflightRead, fd)
		for _, r := range b.readRecords[fd] {
			ready = append(ready, r)
		}
		if len(b.readRecords[fd]) > 0 {
			b.postRead(fd)
		}
	case ioRequestWrite, ioRequestOOB:
		if req.kind == ioRequestWrite {
			delete(b.inflightWrite, fd)
		} else {
			delete(b.inflightOOB, fd)
		}
		for _, r := range b.writeRecords[fd] {
			ready = append(ready, r)
		}
		if len(b.writeRecords[fd]) > 0 {
			b.postWrite(fd)
		}
	}
	b.mu.Unlock()

	for _, r := range ready {
		if r.cancelled || !r.activated {
			continue
		}
		b.inv.invoke(r)
	}
}

func (b *NativeBackend) dispatchDueTimers() {
	for {
		r := b.timers.extract(b.clock.Now())
		if r == nil {
			return
		}
		b.inv.invoke(r)
	}
}

func (b *NativeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.signalOwner != nil {
		globalSignalHub.disarm(b.signalOwner)
		b.signalOwner = nil
	}
	return windows.CloseHandle(b.iocp)
}

func newNativeBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (Backend, bool, error) {
	b, err := NewNativeBackend(inv, timers, clock, log, limiter)
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}
