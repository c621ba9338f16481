package eventloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func runWithTimeout(t *testing.T, d *Driver, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		d.Stop()
		t.Fatal("Run did not return within timeout")
		return nil
	}
}

// S1: defer(A); defer(B); run() -> A runs, then B runs, then run() returns.
func TestScenarioDeferOrdering(t *testing.T) {
	d := New()
	var order []string
	d.Defer(func(CallbackID) error { order = append(order, "A"); return nil })
	d.Defer(func(CallbackID) error { order = append(order, "B"); return nil })

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("expected [A B], got %v", order)
	}
}

// S2: delay(0.05, A); delay(0.01, B); run() -> B fires first, then A; both fire once.
func TestScenarioDelayMonotonicity(t *testing.T) {
	d := New()
	var order []string
	var counts = map[string]int{}

	d.Delay(50*time.Millisecond, func(CallbackID) error {
		order = append(order, "A")
		counts["A"]++
		return nil
	})
	d.Delay(10*time.Millisecond, func(CallbackID) error {
		order = append(order, "B")
		counts["B"]++
		return nil
	})

	start := time.Now()
	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	elapsed := time.Since(start)

	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("expected [B A], got %v", order)
	}
	if counts["A"] != 1 || counts["B"] != 1 {
		t.Fatalf("expected each to fire exactly once, got %v", counts)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("run returned too early: %v", elapsed)
	}
}

// S3: id = repeat(0.01, cb); delay(0.035, cancel(id)) -> cb invoked exactly 3 times.
func TestScenarioRepeatAndCancel(t *testing.T) {
	d := New()
	var calls int

	id, err := d.Repeat(10*time.Millisecond, func(CallbackID) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Repeat failed: %v", err)
	}

	d.Delay(35*time.Millisecond, func(CallbackID) error {
		d.Cancel(id)
		return nil
	})

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", calls)
	}
}

// S5: a defer callback's error is routed to the installed handler as
// UserCallbackError carrying the originating id, and run() otherwise
// completes normally (collapsed from the spec's InvalidCallback-on-
// non-empty-return case; see DESIGN.md).
func TestScenarioUserCallbackErrorRouted(t *testing.T) {
	d := New()
	var gotErr error
	d.SetErrorHandler(func(err error) { gotErr = err })

	wantCause := errors.New("boom")
	id := d.Defer(func(CallbackID) error { return wantCause })
	d.Defer(func(CallbackID) error { return nil })

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned unexpected top-level error: %v", err)
	}

	var uce *UserCallbackError
	if !errors.As(gotErr, &uce) {
		t.Fatalf("expected UserCallbackError, got %T: %v", gotErr, gotErr)
	}
	if uce.CallbackID != id {
		t.Fatalf("expected callback id %q, got %q", id, uce.CallbackID)
	}
	if !errors.Is(gotErr, wantCause) {
		t.Fatalf("expected cause chain to include %v", wantCause)
	}
}

// Invariant 1: a cancelled id never triggers its callback, exercised here
// with a Defer record.
func TestInvariantCancelledNeverFires(t *testing.T) {
	d := New()
	fired := false

	id := d.Defer(func(CallbackID) error { fired = true; return nil })
	d.Cancel(id)

	d.Defer(func(CallbackID) error { return nil }) // keep the loop alive briefly

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if fired {
		t.Fatal("cancelled callback fired")
	}
}

// Invariant 4: enable(disable(id)) == id, and the record is observable as
// enabled afterward.
func TestInvariantEnableDisableRoundTrip(t *testing.T) {
	d := New()
	id := d.Defer(func(CallbackID) error { return nil })

	disabledID := d.Disable(id)
	if disabledID != id {
		t.Fatalf("Disable returned %q, want %q", disabledID, id)
	}
	r := d.lookup(id)
	if r == nil || r.enabled {
		t.Fatal("expected record to be disabled")
	}

	enabledID, err := d.Enable(id)
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if enabledID != id {
		t.Fatalf("Enable returned %q, want %q", enabledID, id)
	}
	r = d.lookup(id)
	if r == nil || !r.enabled {
		t.Fatal("expected record to be enabled again")
	}
}

// Invariant 6: run() returns exactly when the enabled-and-referenced set
// becomes empty.
func TestInvariantRunReturnsWhenNoLiveWork(t *testing.T) {
	d := New()
	id := d.Defer(func(CallbackID) error { return nil })
	d.Cancel(id)

	err := runWithTimeout(t, d, 2*time.Second)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if d.IsRunning() {
		t.Fatal("expected driver to have stopped")
	}
}

// Invariant 7: unreference-ing the last referenced callback while others
// remain enabled-but-unreferenced causes run() to return.
func TestInvariantUnreferenceLastCausesReturn(t *testing.T) {
	d := New()

	// A long-lived, unreferenced repeating timer: present and enabled, but
	// must not keep the loop alive on its own.
	unrefID, err := d.Repeat(5*time.Millisecond, func(CallbackID) error { return nil })
	if err != nil {
		t.Fatalf("Repeat failed: %v", err)
	}
	d.Unreference(unrefID)

	refID, err := d.Repeat(5*time.Millisecond, func(CallbackID) error { return nil })
	if err != nil {
		t.Fatalf("Repeat failed: %v", err)
	}

	d.Delay(20*time.Millisecond, func(CallbackID) error {
		d.Unreference(refID)
		return nil
	})

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

// Invariant 5 / ordering rule: a callback registered during dispatch never
// fires in the same dispatch iteration it was registered in.
func TestInvariantRegistrationDuringDispatchDeferredToNextIteration(t *testing.T) {
	d := New()
	var secondDeferRanBeforeFirstCompleted bool
	var secondDeferRanInSameIteration bool
	firstCompleted := false

	d.Defer(func(CallbackID) error {
		registeredTick := d.tickCount
		d.Defer(func(CallbackID) error {
			if !firstCompleted {
				secondDeferRanBeforeFirstCompleted = true
			}
			if d.tickCount == registeredTick {
				secondDeferRanInSameIteration = true
			}
			return nil
		})
		firstCompleted = true
		return nil
	})

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if secondDeferRanBeforeFirstCompleted {
		t.Fatal("a registration made during dispatch fired before the registering callback completed")
	}
	if secondDeferRanInSameIteration {
		t.Fatal("a registration made during dispatch fired within the same iteration")
	}
}
