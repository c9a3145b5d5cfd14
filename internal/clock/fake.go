// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given instant. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	fc := &FakeClock{current: initial}
	fc.changed = sync.NewCond(&fc.mu)
	return fc
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps block until Advance moves the clock past their deadline.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Never call Sleep or Advance from within an AfterFunc callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingCall
	changed *sync.Cond
}

type pendingCall struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	interval time.Duration
	stopped  bool
	fired    bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.pending = append(c.pending, &pendingCall{
		deadline: c.current.Add(d),
		channel:  ch,
	})
	c.changed.Broadcast()
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}
	defer c.mu.Unlock()

	call := &pendingCall{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.pending = append(c.pending, call)
	c.changed.Broadcast()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if call.stopped || call.fired {
				return false
			}
			call.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !call.stopped && !call.fired
			call.stopped = false
			call.fired = false
			call.deadline = c.current.Add(d)
			if !wasActive {
				c.pending = append(c.pending, call)
				c.changed.Broadcast()
			}
			return wasActive
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	call := &pendingCall{
		deadline: c.current.Add(d),
		channel:  ch,
		interval: d,
	}
	c.pending = append(c.pending, call)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			call.stopped = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			call.interval = d
			call.deadline = c.current.Add(d)
			call.stopped = false
		},
	}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every timer, ticker,
// and sleep whose deadline now falls at or before the new time, in
// deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, call := range due {
			switch {
			case call.callback != nil:
				call.callback()
			case call.channel != nil:
				select {
				case call.channel <- target:
				default:
				}
			}
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*pendingCall
	for _, call := range c.pending {
		if call.stopped {
			continue
		}
		if !call.deadline.After(target) {
			due = append(due, call)
		} else {
			remaining = append(remaining, call)
		}
	}

	for _, call := range due {
		if call.interval > 0 {
			call.deadline = call.deadline.Add(call.interval)
			remaining = append(remaining, call)
		} else {
			call.fired = true
		}
	}

	c.pending = remaining
	return due
}

// WaitForTimers blocks until at least n timers, tickers, or sleeps are
// pending. This closes the race between a goroutine registering a wait
// and the test calling Advance before registration happens.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCountLocked() < n {
		c.changed.Wait()
	}
}

// AdvanceToNextSecond advances the clock to the start of the next
// whole second and fires anything due by then. The recorder's
// degradation ladder buckets events by Clock.Now().Unix(), so tests
// exercising bucket rollover need to cross a second boundary without
// hand-computing how far the fake clock currently is from one; this
// does that crossing in one call regardless of the clock's current
// sub-second offset.
func (c *FakeClock) AdvanceToNextSecond() {
	c.mu.Lock()
	remainder := c.current.Sub(c.current.Truncate(time.Second))
	c.mu.Unlock()

	step := time.Second - remainder
	if step <= 0 {
		step = time.Second
	}
	c.Advance(step)
}

// PendingCount reports the number of active (not stopped or fired)
// pending calls.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

func (c *FakeClock) activeCountLocked() int {
	count := 0
	for _, call := range c.pending {
		if !call.stopped {
			count++
		}
	}
	return count
}
