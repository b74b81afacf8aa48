package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time stands still until
// Advance is called.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
//
// Advance walks the clock forward one deadline at a time: a callback
// scheduled for T observes Now() == T, and callbacks registered while
// advancing fire within the same Advance if their deadline falls inside
// it. Waiters sharing a deadline fire in registration order.
//
// AfterFunc callbacks run synchronously on the goroutine calling Advance.
// Calling Advance from inside a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64

	// channel is set for After and ticker waiters.
	channel chan time.Time
	// callback is set for AfterFunc waiters.
	callback func()
	// interval is non-zero for tickers.
	interval time.Duration
}

var _ Clock = (*FakeClock)(nil)

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run once the clock passes now+d. If d <= 0, f
// runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.removeLocked(waiter)
	}}
}

// NewTicker returns a Ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(waiter)
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline is reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		waiter := c.nextDueLocked(target)
		if waiter == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if waiter.deadline.After(c.current) {
			c.current = waiter.deadline
		}
		firedAt := c.current
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			c.seq++
			waiter.seq = c.seq
		} else {
			c.removeLocked(waiter)
		}
		c.mu.Unlock()

		if waiter.callback != nil {
			waiter.callback()
			continue
		}
		select {
		case waiter.channel <- firedAt:
		default:
		}
	}
}

// PendingCount returns the number of scheduled, unfired, unstopped
// waiters (tickers count once).
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
}

// removeLocked reports whether w was still pending.
func (c *FakeClock) removeLocked(w *fakeWaiter) bool {
	for i, candidate := range c.waiters {
		if candidate == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) ||
			(w.deadline.Equal(next.deadline) && w.seq < next.seq) {
			next = w
		}
	}
	return next
}
