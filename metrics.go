package eventloop

import (
	"sync"
	"time"
)

// Metrics tracks callback dispatch latency via the P-square streaming
// percentile estimator (psquare.go, adapted from the upstream metrics.go —
// the algorithm itself is domain-generic so it carries over unchanged),
// plus queue-depth gauges and a tick counter. Enabled via WithMetrics(true)
// and read through Driver.Metrics().
type Metrics struct {
	mu sync.Mutex

	latency *pSquareMultiQuantile // tracks p50, p90, p99

	ticks             uint64
	pendingActivation int
	timerCount        int
}

func newMetrics() *Metrics {
	return &Metrics{
		latency: newPSquareMultiQuantile(0.5, 0.9, 0.99),
	}
}

func (m *Metrics) recordInvocation(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency.Update(float64(d.Nanoseconds()))
}

func (m *Metrics) recordTick(pendingActivation, timerCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
	m.pendingActivation = pendingActivation
	m.timerCount = timerCount
}

// LatencySnapshot is a point-in-time read of callback dispatch latency
// percentiles, in nanoseconds.
type LatencySnapshot struct {
	Count int
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Mean  time.Duration
	Max   time.Duration
}

// Latency returns the current callback-dispatch latency percentiles.
func (m *Metrics) Latency() LatencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LatencySnapshot{
		Count: m.latency.Count(),
		P50:   time.Duration(m.latency.Quantile(0)),
		P90:   time.Duration(m.latency.Quantile(1)),
		P99:   time.Duration(m.latency.Quantile(2)),
		Mean:  time.Duration(m.latency.Mean()),
		Max:   time.Duration(m.latency.Max()),
	}
}

// QueueDepths is a point-in-time read of the driver's queue sizes as of the
// most recently completed iteration.
type QueueDepths struct {
	Ticks             uint64
	PendingActivation int
	TimerCount        int
}

// Queues returns the current queue-depth gauges.
func (m *Metrics) Queues() QueueDepths {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueDepths{
		Ticks:             m.ticks,
		PendingActivation: m.pendingActivation,
		TimerCount:        m.timerCount,
	}
}
