// Package timeutil lets frame timing, staleness checks and publisher backoff
// run against either the wall clock or a hand-driven clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source threaded through the pipeline and publisher.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// NewTimer delivers the clock's time on C once d has elapsed.
	NewTimer(d time.Duration) Timer
}

// Timer is the part of *time.Timer the publisher needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer { return wallTimer{time.NewTimer(d)} }

type wallTimer struct{ t *time.Timer }

func (w wallTimer) C() <-chan time.Time        { return w.t.C }
func (w wallTimer) Stop() bool                 { return w.t.Stop() }
func (w wallTimer) Reset(d time.Duration) bool { return w.t.Reset(d) }

// MockClock only moves when Advance or Set is called, and timers fire
// synchronously from inside those calls.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*MockTimer
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t. Replay uses it to follow recorded frame times.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.fireLocked()
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// fireLocked delivers every armed timer whose deadline has passed and forgets
// it. Channels are buffered so delivery never blocks.
func (c *MockClock) fireLocked() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.armed {
			continue
		}
		if c.now.Before(t.deadline) {
			kept = append(kept, t)
			continue
		}
		t.armed = false
		select {
		case t.ch <- c.now:
		default:
		}
	}
	c.timers = kept
}

// PendingTimers counts armed timers. Tests use it to wait until the code
// under test is parked on a timer before advancing.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.armed {
			n++
		}
	}
	return n
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTimer{clock: c, ch: make(chan time.Time, 1)}
	c.armLocked(t, d)
	return t
}

func (c *MockClock) armLocked(t *MockTimer, d time.Duration) {
	t.deadline = c.now.Add(d)
	if !t.armed {
		t.armed = true
		c.timers = append(c.timers, t)
	}
	c.fireLocked()
}

// MockTimer belongs to a MockClock; its state is guarded by the clock's lock.
type MockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	armed    bool
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

// Stop disarms the timer and reports whether it was armed.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = false
	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			break
		}
	}
	return was
}

// Reset re-arms the timer d after the clock's current time.
func (t *MockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.clock.armLocked(t, d)
	return was
}
