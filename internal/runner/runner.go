// Package runner provides the two ways background loops are scheduled: on
// an ordinary goroutine, or on a goroutine that owns its OS thread.
package runner

import "runtime"

// Runner starts fn in the background.
type Runner interface {
	Go(fn func())
}

// Goroutine runs fn on a plain goroutine multiplexed by the Go scheduler.
type Goroutine struct{}

// Go starts fn.
func (Goroutine) Go(fn func()) {
	go fn()
}

// DedicatedThread runs fn on a goroutine locked to its own OS thread for
// its whole lifetime. The thread exits with fn.
type DedicatedThread struct{}

// Go starts fn.
func (DedicatedThread) Go(fn func()) {
	go func() {
		runtime.LockOSThread()
		// Returning without UnlockOSThread terminates the thread.
		fn()
	}()
}

// Default is the goroutine runner.
var Default Runner = Goroutine{}

// Select returns DedicatedThread when dedicated is set, otherwise Default.
func Select(dedicated bool) Runner {
	if dedicated {
		return DedicatedThread{}
	}
	return Default
}
