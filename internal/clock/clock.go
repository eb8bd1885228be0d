// Package clock provides an injectable time source.
//
// Production code uses Wall (backed by time.Now, which carries a monotonic
// reading for deadline arithmetic). Tests use Frozen to pin or advance time
// deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by everything that does time arithmetic:
// reservation deadlines, retention expiry, signed URL validation, audit
// timestamps.
type Clock interface {
	Now() time.Time
}

// Wall is the production clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// System is the default clock instance.
var System Clock = Wall{}

// Frozen is a test clock that only moves when told to.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozen returns a Frozen clock pinned at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Frozen) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set pins the clock at t.
func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
