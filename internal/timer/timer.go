// Package timer implements a resettable one-shot deadline flag, polled
// rather than delivered as an event. It never raises and owns no goroutine.
package timer

import (
	"sync"
	"time"
)

// Timer exposes a boolean Ready that flips true exactly once after its
// timeout elapses, until Reset re-arms it.
type Timer struct {
	mu       sync.Mutex
	timeout  time.Duration
	deadline time.Time
}

// New constructs a Timer already counting down toward timeout.
func New(timeout time.Duration) *Timer {
	t := &Timer{timeout: timeout}
	t.Reset()
	return t
}

// Ready reports whether the timeout has elapsed since construction or the
// last Reset.
func (t *Timer) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !time.Now().Before(t.deadline)
}

// Reset clears Ready and re-arms the deadline at timeout from now.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = time.Now().Add(t.timeout)
}
