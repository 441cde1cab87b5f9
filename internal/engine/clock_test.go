package engine

import (
	"sort"
	"sync"
	"time"
)

// fakeClock is a manually advanced Clock. Due timers fire synchronously
// from Advance, in deadline order, outside the clock's lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	made   int
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.made++
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	active := !t.stopped && !t.fired
	t.at = t.c.now.Add(d)
	t.stopped = false
	t.fired = false
	for _, q := range t.c.timers {
		if q == t {
			return active
		}
	}
	t.c.timers = append(t.c.timers, t)
	return active
}

// Advance moves the clock forward and runs every timer that became due,
// including timers armed by those callbacks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue()
		if t == nil {
			return
		}
		t.f()
	}
}

func (c *fakeClock) nextDue() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })

	if len(c.timers) == 0 || c.timers[0].at.After(c.now) {
		return nil
	}
	t := c.timers[0]
	t.fired = true
	return t
}

// created returns the number of timers ever created
func (c *fakeClock) created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.made
}

// pending returns the number of armed timers
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
