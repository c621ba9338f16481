package eventloop

import (
	"errors"
	"fmt"
)

// InvalidCallbackError reports that an id does not refer to a live record.
// An error returned by a callback is not reported with this type; the
// driver reports it as a UserCallbackError.
type InvalidCallbackError struct {
	CallbackID        CallbackID
	Message           string
	CreationTrace     string
	CancellationTrace string
	Cause             error
}

func (e *InvalidCallbackError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("eventloop: invalid callback %q", e.CallbackID)
	}
	return fmt.Sprintf("eventloop: invalid callback %q: %s", e.CallbackID, e.Message)
}

func (e *InvalidCallbackError) Unwrap() error { return e.Cause }

// UnsupportedFeatureError reports a capability absent from the active
// backend or platform, e.g. signal delivery on a backend without it.
type UnsupportedFeatureError struct {
	Feature string
	Cause   error
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("eventloop: unsupported feature: %s", e.Feature)
}

func (e *UnsupportedFeatureError) Unwrap() error { return e.Cause }

// BackendError reports an OS-level failure encountered during dispatch,
// e.g. a select errno other than EINTR, or an FD_SETSIZE overflow.
type BackendError struct {
	Op      string
	FD      int
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	if e.FD != 0 {
		return fmt.Sprintf("eventloop: backend error during %s (fd=%d): %s", e.Op, e.FD, e.Message)
	}
	return fmt.Sprintf("eventloop: backend error during %s: %s", e.Op, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// LifecycleError reports misuse of the driver or suspension lifecycle:
// re-entering Run, or suspending/resuming out of protocol.
type LifecycleError struct {
	Message string
}

func (e *LifecycleError) Error() string {
	return "eventloop: lifecycle error: " + e.Message
}

// RangeError reports an argument outside its valid domain, e.g. a
// non-positive repeat interval.
type RangeError struct {
	Message string
}

func (e *RangeError) Error() string {
	return "eventloop: range error: " + e.Message
}

// UserCallbackError wraps any error escaping a user-supplied callback,
// preserving the originating callback id for diagnostics.
type UserCallbackError struct {
	CallbackID CallbackID
	Cause      error
}

func (e *UserCallbackError) Error() string {
	return fmt.Sprintf("eventloop: callback %q returned an error: %v", e.CallbackID, e.Cause)
}

func (e *UserCallbackError) Unwrap() error { return e.Cause }

// PanicError wraps a recovered panic value from a user callback or fiber,
// preserving it for inspection via errors.Is/errors.As when it is itself an
// error.
type PanicError struct {
	Value any
	Stack string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: panic recovered: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error,
// enabling errors.Is/errors.As through the cause chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError bundles multiple errors into one. The driver itself does
// not build one: it reports each callback error separately.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("eventloop: %d errors occurred, first: %v", len(e.Errors), e.Errors[0])
}

// Unwrap returns the wrapped errors for multi-error unwrapping.
func (e *AggregateError) Unwrap() []error { return e.Errors }

// Is reports whether target is an *AggregateError, satisfying errors.Is
// for callers that only care that some aggregate occurred.
func (e *AggregateError) Is(target error) bool {
	var aggTarget *AggregateError
	return errors.As(target, &aggTarget)
}

// WrapError wraps an error with a message, preserving it as the cause for
// errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
