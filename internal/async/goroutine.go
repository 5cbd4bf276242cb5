package async

import "runtime/debug"

// Logger captures panic reports from background goroutines.
type Logger interface {
	Error(msg string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoWithDone runs fn like Go and returns a channel closed when fn
// finishes, panic or not. Callers use it to join with a timeout.
func GoWithDone(logger Logger, name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover(logger, name)
		fn()
	}()
	return done
}

// Recover logs panic details without crashing the process.
func Recover(logger Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic", "panic", r, "stack", string(debug.Stack()))
			return
		}
		logger.Error("goroutine panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
	}
}
