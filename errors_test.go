package eventloop

import (
	"errors"
	"testing"
)

func TestInvalidCallbackErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &InvalidCallbackError{CallbackID: "x", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}
}

func TestUnsupportedFeatureErrorUnwrap(t *testing.T) {
	cause := errors.New("no signals here")
	err := &UnsupportedFeatureError{Feature: "signals", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
}

func TestBackendErrorUnwrap(t *testing.T) {
	cause := errors.New("EMFILE")
	err := &BackendError{Op: "select", FD: 7, Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
	if err.FD != 7 {
		t.Fatal("expected FD to round-trip")
	}
}

func TestLifecycleErrorMessage(t *testing.T) {
	err := &LifecycleError{Message: "Run is already in progress"}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}
	var target *LifecycleError
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to match *LifecycleError")
	}
}

func TestRangeErrorMessage(t *testing.T) {
	err := &RangeError{Message: "repeat interval must be > 0"}
	var target *RangeError
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to match *RangeError")
	}
}

func TestUserCallbackErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &UserCallbackError{CallbackID: "id-1", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
	if err.CallbackID != "id-1" {
		t.Fatal("expected callback id to round-trip")
	}
}

func TestPanicErrorUnwrapsErrorValues(t *testing.T) {
	cause := errors.New("panicked with an error")
	err := PanicError{Value: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped error panic value")
	}

	nonErr := PanicError{Value: "a string panic"}
	if nonErr.Unwrap() != nil {
		t.Fatal("expected Unwrap to return nil for a non-error panic value")
	}
}

func TestAggregateErrorUnwrapsAll(t *testing.T) {
	e1 := errors.New("first")
	e2 := errors.New("second")
	agg := &AggregateError{Errors: []error{e1, e2}}

	if !errors.Is(agg, e1) || !errors.Is(agg, e2) {
		t.Fatal("expected errors.Is to find both wrapped errors")
	}

	var other *AggregateError
	if !errors.As(error(agg), &other) {
		t.Fatal("expected errors.As to match *AggregateError")
	}
}

func TestAggregateErrorSingleMessage(t *testing.T) {
	e1 := errors.New("only one")
	agg := &AggregateError{Errors: []error{e1}}
	if agg.Error() != e1.Error() {
		t.Fatalf("expected single-error message to pass through, got %q", agg.Error())
	}
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := WrapError("while doing something", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}
