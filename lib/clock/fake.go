// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Time moves only when Advance
// is called. Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, with the clock's lock released. A callback may arm new timers
// but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending map[uint64]*scheduled
	changed *sync.Cond
}

type scheduled struct {
	id       uint64
	deadline time.Time
	period   time.Duration // non-zero for tickers
	fire     func(now time.Time)
}

// Fake returns a FakeClock reading initial until advanced.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{
		now:     initial,
		pending: make(map[uint64]*scheduled),
	}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(d, 0, func(now time.Time) { channel <- now })
	return channel
}

// AfterFunc registers f to run when the clock passes now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	entry := c.scheduleLocked(d, 0, func(time.Time) { f() })
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(entry.id) }}
}

// NewTicker returns a ticker whose ticks are produced by Advance.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker with non-positive period")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	entry := c.scheduleLocked(d, d, func(now time.Time) {
		select {
		case channel <- now:
		default:
		}
	})
	c.mu.Unlock()
	return &Ticker{
		C:    channel,
		stop: func() { c.cancel(entry.id) },
		reset: func(period time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.period = period
			entry.deadline = c.now.Add(period)
			c.pending[entry.id] = entry
			c.changed.Broadcast()
		},
	}
}

// Advance moves the clock forward by d and fires everything whose
// deadline is at or before the new time. Tickers fire once per elapsed
// period.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			entry.fire(target)
		}
	}
}

// BlockUntil waits until at least n timers or tickers are pending.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// Pending reports the number of armed timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(d, period time.Duration, fire func(time.Time)) *scheduled {
	c.nextID++
	entry := &scheduled{
		id:       c.nextID,
		deadline: c.now.Add(d),
		period:   period,
		fire:     fire,
	}
	c.pending[entry.id] = entry
	c.changed.Broadcast()
	return entry
}

func (c *FakeClock) cancel(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.changed.Broadcast()
	return true
}

// takeDue removes one-shot entries that are due, reschedules tickers,
// and returns what should fire, earliest deadline first.
func (c *FakeClock) takeDue(target time.Time) []*scheduled {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*scheduled
	for id, entry := range c.pending {
		if entry.deadline.After(target) {
			continue
		}
		due = append(due, &scheduled{id: id, deadline: entry.deadline, fire: entry.fire})
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
		} else {
			delete(c.pending, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}
