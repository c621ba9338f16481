// Package eventloop implements a single-threaded cooperative reactor that
// multiplexes four kinds of asynchronous activation: immediate deferred
// work, one-shot and periodic timers, I/O readiness on file descriptors, and
// POSIX signals. It also drives cooperative "fibers" of execution, built
// atop goroutines, that can suspend and resume by cooperating with the
// reactor.
//
// # Architecture
//
// The core is an AbstractDriver: a state machine over per-callback
// registrations (CallbackRecord), a TimerQueue (binary min-heap, monotonic
// expiration with insertion-sequence tie-break), and a pluggable Backend
// that turns "what's ready" into callback invocations. Two backends ship:
// SelectBackend (cross-platform, golang.org/x/sys/unix.Select) and an
// optional NativeBackend wrapping epoll on Linux or kqueue on Darwin.
//
// Suspension couples a goroutine ("fiber") to the driver: suspend() parks
// the calling goroutine on a rendezvous channel, and resume()/throw()
// post the delivery to a channel that the driver drains on its own
// goroutine in a later step of its loop, rather than resuming
// synchronously — this preserves the single-entry reentrancy the
// reactor depends on.
//
// TracingDriver decorates any Driver, recording creation/cancellation stack
// traces for every callback id, surfaced through Dump() for "why is the loop
// still running?" diagnostics.
//
// # Thread safety
//
// The driver is NOT safe for concurrent use. It assumes exclusive ownership
// of its goroutine during Run. Posting work from another goroutine is not a
// core responsibility; a collaborator wanting that composes a self-pipe fed
// through OnReadable, same as the upstream design this package follows.
//
// # Usage
//
//	d := eventloop.New()
//	d.Defer(func(id eventloop.CallbackID) error {
//		fmt.Println("hello from the next iteration")
//		return nil
//	})
//	if err := d.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package eventloop
