package eventloop

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// errorLimiter suppresses noisy repeated BackendError notifications using a
// category-based sliding-window rate limiter. go-catrate is a dependency of
// the rest of this pack's logiface stack, but the eventloop module itself
// never imports it; this gives it a concrete home, keyed by the distinct
// error category string (e.g. "backend:select"), so a flapping backend cannot
// flood the installed error handler with duplicate notifications.
type errorLimiter struct {
	limiter *catrate.Limiter

	mu         sync.Mutex
	suppressed map[string]int
}

// newErrorLimiter builds a limiter allowing at most `burst` notifications
// per `window` for any single error category. A zero window disables rate
// limiting entirely (every error passes through).
func newErrorLimiter(window time.Duration, burst int) *errorLimiter {
	if window <= 0 || burst <= 0 {
		return &errorLimiter{}
	}
	return &errorLimiter{
		limiter:    catrate.NewLimiter(map[time.Duration]int{window: burst}),
		suppressed: make(map[string]int),
	}
}

// allow reports whether an error in the given category should be forwarded
// to the error handler now. When it returns false, the error is counted as
// suppressed so a summary can be logged once the window reopens.
func (l *errorLimiter) allow(category string) (allowed bool, suppressedSinceLast int) {
	if l.limiter == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.limiter.Allow(category)
	if ok {
		n := l.suppressed[category]
		delete(l.suppressed, category)
		return true, n
	}
	l.suppressed[category]++
	return false, 0
}
