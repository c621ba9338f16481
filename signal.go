package eventloop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// signalDeliverer receives process signals forwarded by the global signal
// hub. Implemented by backends that support onSignal.
type signalDeliverer interface {
	deliverSignal(signo int)
}

// signalOwner is one driver instance's claim on process-wide signal
// delivery for a given signal set.
type signalOwner struct {
	backend signalDeliverer
	signals []os.Signal
	ch      chan os.Signal
	done    chan struct{}
}

// signalHub serializes os/signal.Notify registration across driver
// instances: the spec treats the signal handler registration as a
// process-global resource and requires the source's "several drivers, one
// armed at a time, LIFO by run() entry" behavior to be replicated exactly.
// Disarming the prior owner and arming the new one on Run entry, and
// restoring the previous owner on exit, is the serialization protocol
// §4.5/§4.11 mandate; grounded on the signal.Notify/signal.Stop pattern of
// prompt/signal_common.go and the context-cancel-on-signal shape of
// ehrlich-b-go-ublk/cmd/ublk-mem, but generalized from "my process exits on
// signal" into "route the signal back to whichever driver currently owns
// it".
type signalHub struct {
	mu    sync.Mutex
	stack []*signalOwner
}

var globalSignalHub = &signalHub{}

// arm pushes owner onto the stack, disarming whatever was previously on top
// and starting delivery for owner.
func (h *signalHub) arm(owner *signalOwner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) > 0 {
		h.stopTop()
	}
	h.stack = append(h.stack, owner)
	h.startTop()
}

// disarm removes owner from the stack. If owner was the top (the only
// state from which signals are actually delivered), the new top, if any,
// is restarted.
func (h *signalHub) disarm(owner *signalOwner) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, o := range h.stack {
		if o == owner {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	wasTop := idx == len(h.stack)-1
	if wasTop {
		h.stopTop()
	}
	h.stack = append(h.stack[:idx], h.stack[idx+1:]...)
	if wasTop && len(h.stack) > 0 {
		h.startTop()
	}
}

func (h *signalHub) startTop() {
	owner := h.stack[len(h.stack)-1]
	owner.ch = make(chan os.Signal, 16)
	owner.done = make(chan struct{})
	signal.Notify(owner.ch, owner.signals...)
	go relaySignals(owner)
}

func (h *signalHub) stopTop() {
	owner := h.stack[len(h.stack)-1]
	signal.Stop(owner.ch)
	close(owner.done)
}

// osSignal is an alias kept local to this package so backend.go need not
// import os directly just to name the signal list type.
type osSignal = os.Signal

// signoToSignal converts a raw signal number into the os.Signal the
// standard library's signal.Notify expects.
func signoToSignal(signo int) osSignal {
	return syscall.Signal(signo)
}

func relaySignals(owner *signalOwner) {
	for {
		select {
		case sig, ok := <-owner.ch:
			if !ok {
				return
			}
			if no, ok := sig.(syscall.Signal); ok {
				owner.backend.deliverSignal(int(no))
			}
		case <-owner.done:
			return
		}
	}
}
