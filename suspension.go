package eventloop

import (
	"runtime"
	"sync"
)

// getGoroutineID parses the current goroutine's id out of runtime.Stack,
// exactly as the upstream Loop's isLoopThread/getGoroutineID does, so the
// driver can tell its own run() goroutine apart from a suspended fiber's.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

func (d *Driver) onSchedulerGoroutine() bool {
	id := d.runGoroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

type suspensionState uint8

const (
	suspActive suspensionState = iota
	suspSuspended
	suspResumeScheduled
	suspCompleted
)

type suspendResult struct {
	value any
	err   error
}

// Suspension couples a "fiber" — a goroutine running user cooperative
// code — to the driver. It is built the way the upstream Promisify builds
// its goroutine-plus-funnel-back scheme: the fiber runs on its own
// goroutine, Suspend blocks it on a rendezvous channel, and Resume/Throw
// schedule delivery through the driver's microtask machinery rather than
// unblocking it synchronously, preserving the single-entry reentrancy the
// reactor depends on (§4.3, §5 invariant 8).
//
// A Suspension is strictly owned by the fiber that created it and must not
// be used across threads beyond the Resume/Throw/Suspend protocol itself.
type Suspension struct {
	driver   *Driver
	resumeCh chan suspendResult

	mu    sync.Mutex
	state suspensionState
}

// CreateSuspension binds a Suspension to fiber, which runs on its own
// goroutine starting immediately. fiber receives the Suspension so it can
// call Suspend from within its own call stack; its return value and error
// are delivered to onComplete (if non-nil) once the fiber returns, via the
// same microtask machinery Resume/Throw use.
func (d *Driver) CreateSuspension(fiber func(s *Suspension) (any, error), onComplete func(value any, err error)) *Suspension {
	s := &Suspension{
		driver:   d,
		resumeCh: make(chan suspendResult),
		state:    suspActive,
	}

	go func() {
		value, err := func() (value any, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = PanicError{Value: p}
				}
			}()
			return fiber(s)
		}()

		s.mu.Lock()
		s.state = suspCompleted
		s.mu.Unlock()

		d.postSuspensionEvent(func() {
			if onComplete != nil {
				onComplete(value, err)
			} else if err != nil {
				d.reportError(err)
			}
		})
	}()

	return s
}

// Suspend transfers control back to the scheduler. It must be called from
// the fiber's own goroutine, never from the driver's run() goroutine —
// doing so fails immediately instead of deadlocking. When resumed, it
// returns the value supplied to Resume, or the error supplied to Throw.
func (s *Suspension) Suspend() (any, error) {
	if s.driver.onSchedulerGoroutine() {
		return nil, &LifecycleError{Message: "suspend() called on the scheduler fiber"}
	}

	s.mu.Lock()
	if s.state != suspActive {
		s.mu.Unlock()
		return nil, &LifecycleError{Message: "suspend() called while the fiber is not active"}
	}
	s.state = suspSuspended
	s.mu.Unlock()

	r := <-s.resumeCh

	s.mu.Lock()
	s.state = suspActive
	s.mu.Unlock()

	return r.value, r.err
}

// Resume schedules the bound fiber to be resumed with value on a later
// microtask drain. Fails if the fiber is not currently suspended (already
// pending resumption, already completed, or never suspended).
func (s *Suspension) Resume(value any) error {
	return s.schedule(suspendResult{value: value})
}

// Throw schedules the bound fiber's Suspend call to return err.
func (s *Suspension) Throw(err error) error {
	return s.schedule(suspendResult{err: err})
}

func (s *Suspension) schedule(r suspendResult) error {
	s.mu.Lock()
	if s.state != suspSuspended {
		s.mu.Unlock()
		return &LifecycleError{Message: "resume/throw: fiber is not suspended"}
	}
	s.state = suspResumeScheduled
	s.mu.Unlock()

	s.driver.postSuspensionEvent(func() {
		s.mu.Lock()
		s.state = suspActive
		s.mu.Unlock()
		s.resumeCh <- r
	})
	return nil
}

// postSuspensionEvent hands a thunk to the driver goroutine via the one
// channel this package uses for cross-goroutine communication. It is safe
// to call from any goroutine: the thunk itself does not run until a later
// iteration drains it on the driver's own goroutine, so it never races
// driver state directly. This is the narrow, purpose-built exception to
// "no core data structure is safe against concurrent mutation from another
// thread" — it exists only to let Suspension's fiber goroutines talk back
// to the scheduler, not as a general cross-thread posting facility.
func (d *Driver) postSuspensionEvent(fn func()) {
	select {
	case d.suspensionEvents <- fn:
	default:
		// Buffer momentarily full (many fibers completing/resuming in the
		// same instant); a blocking send off a dedicated goroutine never
		// blocks the driver itself.
		go func() { d.suspensionEvents <- fn }()
	}
	if w, ok := d.backend.(waker); ok {
		w.wake()
	}
}
