package eventloop

import (
	"testing"
	"time"

	"github.com/joeycumines/logiface"
)

func TestResolveDriverOptionsDefaults(t *testing.T) {
	cfg := resolveDriverOptions(nil)
	if cfg.id == "" {
		t.Fatal("expected a generated id")
	}
	if cfg.logger == nil {
		t.Fatal("expected a default discarding logger")
	}
	if cfg.limiter == nil {
		t.Fatal("expected a default pass-through error limiter")
	}
	if cfg.backend != nil {
		t.Fatal("expected no backend override by default")
	}
	if cfg.preferNative {
		t.Fatal("expected preferNative to default false")
	}
	if cfg.metrics != nil {
		t.Fatal("expected metrics to default nil")
	}
}

func TestResolveDriverOptionsIgnoresNilOption(t *testing.T) {
	cfg := resolveDriverOptions([]DriverOption{nil, WithNativeBackend(), nil})
	if !cfg.preferNative {
		t.Fatal("expected preferNative to be set despite nil options interspersed")
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestWithClockOverridesClock(t *testing.T) {
	fc := fixedClock{t: time.Now()}
	cfg := resolveDriverOptions([]DriverOption{WithClock(fc)})
	if cfg.clock != fc {
		t.Fatal("expected WithClock to set the configured clock")
	}
}

func TestWithErrorRateLimitInstallsLimiter(t *testing.T) {
	cfg := resolveDriverOptions([]DriverOption{WithErrorRateLimit(time.Minute, 3)})
	if cfg.limiter == nil || cfg.limiter.limiter == nil {
		t.Fatal("expected a real rate limiter, not the pass-through default")
	}
}

func TestWithMetricsTogglesOnAndOff(t *testing.T) {
	cfg := resolveDriverOptions([]DriverOption{WithMetrics(true)})
	if cfg.metrics == nil {
		t.Fatal("expected WithMetrics(true) to install a Metrics instance")
	}

	cfg = resolveDriverOptions([]DriverOption{WithMetrics(true), WithMetrics(false)})
	if cfg.metrics != nil {
		t.Fatal("expected a later WithMetrics(false) to clear a prior WithMetrics(true)")
	}
}

func TestLevelFromName(t *testing.T) {
	cases := map[string]logiface.Level{
		"trace":        logiface.LevelTrace,
		"debug":        logiface.LevelDebug,
		"info":         logiface.LevelInformational,
		"warning":      logiface.LevelWarning,
		"error":        logiface.LevelError,
		"unrecognized": logiface.LevelInformational,
	}
	for name, want := range cases {
		if got := LevelFromName(name); got != want {
			t.Errorf("LevelFromName(%q) = %v, want %v", name, got, want)
		}
	}
}
