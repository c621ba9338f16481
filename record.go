package eventloop

import "time"

// CallbackID is a stable, opaque, monotonically-issued identifier for a
// registration. Cancelled ids are never reused and never resolve again,
// following the upstream convention of typed opaque ids (TimerID,
// ListenerID) rather than bare integers leaking behind a type alias.
type CallbackID string

// recordKind tags which CallbackRecord variant a record is, so activate,
// deactivate and dispatch can exhaustively switch on it instead of relying
// on type assertions.
type recordKind uint8

const (
	kindDeferred recordKind = iota
	kindTimer
	kindStreamReadable
	kindStreamWritable
	kindSignal
)

func (k recordKind) String() string {
	switch k {
	case kindDeferred:
		return "deferred"
	case kindTimer:
		return "timer"
	case kindStreamReadable:
		return "stream-readable"
	case kindStreamWritable:
		return "stream-writable"
	case kindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// DeferredFunc is the callable shape for Defer registrations.
type DeferredFunc func(id CallbackID) error

// TimerFunc is the callable shape for Delay/Repeat registrations.
type TimerFunc func(id CallbackID) error

// StreamFunc is the callable shape for OnReadable/OnWritable registrations.
type StreamFunc func(id CallbackID, stream Stream) error

// SignalFunc is the callable shape for OnSignal registrations.
type SignalFunc func(id CallbackID, signo int) error

// Stream is an opaque handle to a pollable resource. Backends project it to
// a platform file descriptor via FD(); the driver core never interprets it
// beyond that, following the "heterogeneous stream handle" design note.
type Stream interface {
	// FD returns the underlying file descriptor to poll.
	FD() int
}

// record is the common tagged-variant representation for every
// registration kind. Rather than five distinct Go types, it is one struct
// with kind-specific fields left zero for irrelevant kinds — mirroring the
// upstream split between Task and timer, but unified per the spec's single
// CallbackRecord data model.
type record struct {
	id   CallbackID
	kind recordKind

	enabled    bool
	referenced bool
	invokable  bool
	cancelled  bool

	// pendingActivation is true while the record sits in the driver's
	// pending-activation set, awaiting the next activation pass.
	pendingActivation bool

	// activated is true once the backend has been told about this record
	// (activate has been called and deactivate has not).
	activated bool

	deferredFn DeferredFunc

	timerFn    TimerFunc
	interval   time.Duration
	expiration time.Time
	repeat     bool
	heapIndex  int    // maintained by timerQueue; -1 when not in the heap
	timerSeq   uint64 // insertion sequence, assigned by timerQueue.insert

	stream   Stream
	streamFn StreamFunc

	signo    int
	signalFn SignalFunc
}

// keepsAlive reports whether this record is "keeping the loop alive": it is
// enabled, referenced, and not in a terminal cancelled state.
func (r *record) keepsAlive() bool {
	return r != nil && r.enabled && r.referenced && !r.cancelled
}
