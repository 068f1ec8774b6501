// Package async contains helpers for panic-safe background goroutines.
package async

import (
	"runtime/debug"

	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

// Go runs fn in a new goroutine and logs any panic instead of crashing
// the process. name identifies the goroutine in logs.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is intended to be deferred at the top of a goroutine.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("panic in %s: %v\n%s", name, r, debug.Stack())
	}
}
