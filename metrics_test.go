package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestMetricsDisabledByDefault(t *testing.T) {
	d := New()
	if d.Metrics() != nil {
		t.Fatal("expected Metrics() to be nil unless WithMetrics(true) is given")
	}
}

func TestMetricsRecordsLatencyAndTicks(t *testing.T) {
	d := New(WithMetrics(true))
	if d.Metrics() == nil {
		t.Fatal("expected Metrics() to be non-nil with WithMetrics(true)")
	}

	for i := 0; i < 5; i++ {
		d.Defer(func(CallbackID) error { return nil })
	}

	if err := runWithTimeout(t, d, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	latency := d.Metrics().Latency()
	if latency.Count == 0 {
		t.Fatal("expected at least one latency sample to have been recorded")
	}

	queues := d.Metrics().Queues()
	if queues.Ticks == 0 {
		t.Fatal("expected at least one tick to have been recorded")
	}
}

func TestMetricsQueueDepthsReflectTimers(t *testing.T) {
	d := New(WithMetrics(true))

	var id CallbackID
	var calls int
	id, err := d.Repeat(5*time.Millisecond, func(CallbackID) error {
		calls++
		if calls >= 3 {
			// Self-cancel from within the callback, on the driver's own
			// goroutine, rather than racing Driver's unsynchronized state
			// from the test goroutine while Run is concurrently executing.
			d.Cancel(id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Repeat failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	var sawTimerCount bool
	for time.Now().Before(deadline) {
		if d.Metrics().Queues().TimerCount > 0 {
			sawTimerCount = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !sawTimerCount {
		t.Fatal("expected timer count to be observed as non-zero while the repeating timer is live")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		d.Stop()
		t.Fatal("Run did not return")
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 invocations before self-cancel, got %d", calls)
	}
}
