package eventloop

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// driverOptions holds configuration resolved from DriverOption values
// before New constructs a Driver, following the upstream
// loopOptions/LoopOption/resolveLoopOptions functional-options shape.
type driverOptions struct {
	id           string
	clock        Clock
	logger       *driverLogger
	limiter      *errorLimiter
	backend      Backend
	preferNative bool
	metrics      *Metrics
}

// DriverOption configures a Driver at construction time.
type DriverOption interface {
	applyDriver(*driverOptions)
}

type driverOptionFunc func(*driverOptions)

func (f driverOptionFunc) applyDriver(o *driverOptions) { f(o) }

var driverIDSeq atomic.Uint64

// WithClock injects a Clock, primarily for deterministic tests — mirroring
// the test-only SetTickAnchor seam of the upstream Loop, but exposed as a
// proper constructor option instead of a post-construction setter.
func WithClock(clock Clock) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.clock = clock })
}

// WithLogger installs a structured logger. The default is a discarding
// logiface logger, so logging is always wired in but costs nothing unless
// a real sink is supplied.
func WithLogger(log *driverLogger) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.logger = log })
}

// WithErrorRateLimit suppresses BackendError notifications beyond burst
// occurrences of the same category within window, logging a single
// "suppressed N" summary once the window reopens. A zero window disables
// suppression.
func WithErrorRateLimit(window time.Duration, burst int) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.limiter = newErrorLimiter(window, burst) })
}

// WithBackend overrides the default SelectBackend with a caller-supplied
// Backend implementation.
func WithBackend(backend Backend) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.backend = backend })
}

// WithNativeBackend requests the platform-native Backend (epoll on Linux,
// kqueue on Darwin) in place of the default SelectBackend, per §4.5. On
// platforms without a native implementation, New falls back to
// SelectBackend and logs a warning rather than failing construction.
func WithNativeBackend() DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.preferNative = true })
}

// WithMetrics enables P-square latency percentile tracking and queue-depth
// gauges, readable via Driver.Metrics().
func WithMetrics(enabled bool) DriverOption {
	return driverOptionFunc(func(o *driverOptions) {
		if enabled {
			o.metrics = newMetrics()
		} else {
			o.metrics = nil
		}
	})
}

func resolveDriverOptions(opts []DriverOption) *driverOptions {
	cfg := &driverOptions{
		id:     fmt.Sprintf("driver-%d", driverIDSeq.Add(1)),
		logger: noopLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyDriver(cfg)
	}
	if cfg.limiter == nil {
		cfg.limiter = newErrorLimiter(0, 0)
	}
	return cfg
}

// LevelFromName is a small convenience for wiring WithLogger to common
// level names without importing logiface at call sites that only want the
// defaults.
func LevelFromName(name string) logiface.Level {
	switch name {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
