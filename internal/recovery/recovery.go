// Package recovery confines reactor panics. A panic inside one
// circuit's reactor goroutine must surface as that circuit's failure,
// not as a process crash, so reactors defer LogPanic before doing
// anything else.
package recovery

import (
	"log/slog"
	"runtime/debug"
)

// LogPanic recovers a panic on the current goroutine and logs it with
// its stack. Deferred at the top of every reactor goroutine.
func LogPanic(log *slog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	log.Error("reactor panic",
		slog.String("reactor", name),
		slog.Any("value", r),
		slog.String("stack", string(debug.Stack())),
	)
}

// Go runs fn on a new goroutine with LogPanic deferred.
func Go(log *slog.Logger, name string, fn func()) {
	go func() {
		defer LogPanic(log, name)
		fn()
	}()
}
