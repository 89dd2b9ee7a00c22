package gateway

import (
	"sync/atomic"
	"time"
)

// expiryGuard lets exactly one caller run the unauthorized callback until the
// guard re-arms after the reset delay.
type expiryGuard struct {
	active atomic.Bool
	reset  time.Duration
	after  func(time.Duration, func()) *time.Timer
}

func newExpiryGuard(reset time.Duration) *expiryGuard {
	if reset <= 0 {
		reset = time.Second
	}
	return &expiryGuard{reset: reset, after: time.AfterFunc}
}

// trigger runs fn when the guard is idle and reports whether it fired.
func (g *expiryGuard) trigger(fn func()) bool {
	if !g.active.CompareAndSwap(false, true) {
		return false
	}
	if fn != nil {
		fn()
	}
	g.after(g.reset, func() {
		g.active.Store(false)
	})
	return true
}

func (g *expiryGuard) armed() bool {
	return !g.active.Load()
}
