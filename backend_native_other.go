//go:build !linux && !darwin && !windows

package eventloop

// newNativeBackend reports false on platforms with no NativeBackend
// implementation, letting New fall back to SelectBackend.
func newNativeBackend(inv invoker, timers *timerQueue, clock Clock, log *driverLogger, limiter *errorLimiter) (Backend, bool, error) {
	return nil, false, nil
}
