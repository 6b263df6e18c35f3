// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"sync"
	"time"
)

// simClock is a manually-advanced clock for ModeSimulation. Unlike a fake
// clock that fires timers on a wall-clock ticker, After returns a channel
// that only fires when Advance is called past its deadline, so a simulated
// scenario can fast-forward a ceremony timeout without actually sleeping.
type simClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []simWaiter
}

type simWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newSimClock() *simClock {
	return &simClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, simWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the simulated clock forward by d, firing any waiter whose
// deadline has now passed.
func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
