package eventloop

import "time"

// invoker runs a ready record through the driver's invocation pipeline. A
// Backend never invokes a user callback directly; it calls back into the
// driver so state transitions (cancel-before-invoke for one-shot records,
// re-arm for repeating timers, invalid-return detection, error routing) stay
// centralized in one place regardless of which backend is active.
type invoker interface {
	invoke(r *record)
}

// Backend is the pluggable dispatch contract of §4.1/§6: activate/deactivate
// manage a record's presence in the backend, Dispatch turns readiness (or a
// timeout) into invocations, Now reports the backend's clock, Handle exposes
// a backend-specific opaque object, and SupportsSignals answers the signal
// capability query. Kept platform-neutral (unlike SelectBackend/NativeBackend
// themselves) since driver.go depends on it regardless of which concrete
// backend a given OS builds.
type Backend interface {
	// Activate hands newly-enabled records to the backend, in insertion
	// order. Called once per activation pass with every record promoted
	// that iteration (Deferred records are excluded; the driver invokes
	// them directly, since they carry no backend-relevant state).
	Activate(records []*record) error
	// Deactivate removes a single record from the backend's bookkeeping.
	Deactivate(r *record) error
	// Dispatch blocks (per the blocking argument) for readiness or timer
	// expiry and invokes every ready callback before returning.
	Dispatch(blocking bool) error
	// Now reports the backend's notion of the current time.
	Now() time.Time
	// Handle exposes the backend-specific opaque object (e.g. a native
	// loop handle), or nil if there is none.
	Handle() any
	// SupportsSignals reports whether OnSignal can be satisfied.
	SupportsSignals() bool
	// Close releases any OS resources the backend holds (wake pipe,
	// native multiplexer fd, armed signal registration).
	Close() error
}
