package eventloop

import (
	"io"
	"log/slog"

	"github.com/joeycumines/logiface"
	ifaceslog "github.com/joeycumines/logiface-slog"
)

// driverLogger is the structured logger type used throughout the driver.
// The upstream eventloop package carries a hand-rolled Logger interface in
// its own logging.go, but also depends on its own structured-logging
// library, github.com/joeycumines/logiface, with a log/slog binding in
// logiface-slog — and never actually uses either from the core loop. This
// package wires the real library in instead of reinventing it: every log
// call goes through logiface.Logger[*ifaceslog.Event].
type driverLogger = logiface.Logger[*ifaceslog.Event]

// NewLogger builds a driverLogger that writes through the given slog
// handler, following the logiface-slog NewLogger(handler, opts...) +
// logiface.New[*Event](...) construction shown by its own tests.
func NewLogger(handler slog.Handler, level logiface.Level) *driverLogger {
	return logiface.New[*ifaceslog.Event](ifaceslog.NewLogger(handler, ifaceslog.WithLevel(level)))
}

// noopLogger is the zero-overhead default: a logiface logger backed by a
// discard handler. WithLogger overrides it with a real sink.
func noopLogger() *driverLogger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil), logiface.LevelDisabled)
}

// logTick emits one structured line per driver iteration at trace level:
// tick count, pending-activation size, and enabled timer count. Cheap
// enough to leave wired in always; the level gate in logiface means it
// costs nothing when trace is disabled.
func logTick(log *driverLogger, driverID string, tick uint64, pending, timers int) {
	log.Trace().
		Str("driver_id", driverID).
		Uint64("tick", tick).
		Int("pending_activation", pending).
		Int("timer_count", timers).
		Log("tick")
}

// logCallback emits one structured line per callback dispatch.
func logCallback(log *driverLogger, driverID string, id CallbackID, kind recordKind) {
	log.Debug().
		Str("driver_id", driverID).
		Str("callback_id", string(id)).
		Str("record_kind", kind.String()).
		Log("invoke callback")
}

// logError emits a structured line when an error reaches the installed
// error handler, or escapes to abort Run when none is installed.
func logError(log *driverLogger, driverID string, err error) {
	log.Err().
		Str("driver_id", driverID).
		Err(err).
		Log("driver error")
}
