// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*wakeup
	changed *sync.Cond
}

type wakeup struct {
	at       time.Time
	channel  chan time.Time
	interval time.Duration // non-zero for tickers
	stopped  bool
}

// Fake returns a FakeClock stopped at initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot wakeup d from now.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.register(&wakeup{at: c.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a repeating wakeup every d.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &wakeup{at: c.now.Add(d), channel: make(chan time.Time, 1), interval: d}
	c.register(entry)
	return &Ticker{
		C: entry.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
	}
}

// Sleep blocks until the clock has been advanced past now+d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// register must be called with c.mu held.
func (c *FakeClock) register(entry *wakeup) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every wakeup whose
// deadline has been reached, in deadline order. A ticker spanning
// several intervals fires once per interval; ticks that find the
// channel full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for {
		var due []*wakeup
		remaining := c.pending[:0]
		for _, entry := range c.pending {
			switch {
			case entry.stopped:
			case !entry.at.After(c.now):
				due = append(due, entry)
			default:
				remaining = append(remaining, entry)
			}
		}
		c.pending = remaining
		if len(due) == 0 {
			return
		}

		slices.SortFunc(due, func(a, b *wakeup) int { return a.at.Compare(b.at) })
		for _, entry := range due {
			select {
			case entry.channel <- c.now:
			default:
			}
			if entry.interval > 0 {
				entry.at = entry.at.Add(entry.interval)
				c.pending = append(c.pending, entry)
			}
		}
	}
}

// WaitForTimers blocks until at least n wakeups are pending. Tests call
// it before Advance so the goroutine under test has registered its
// sleep or ticker.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, unstopped wakeups.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
