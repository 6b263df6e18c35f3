// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/luxfi/aura/pkg/identifiers"
)

// OrderClock allocates the 32-byte order-time tokens the journal keys facts
// by. Tokens sort lexicographically in allocation order: 8 bytes of
// big-endian wall-clock milliseconds, 8 bytes of a per-process big-endian
// sequence counter, and 16 bytes of entropy so two processes sharing a
// millisecond cannot collide.
type OrderClock struct {
	clock  Clock
	random Random

	mu      sync.Mutex
	lastMs  uint64
	counter uint64
}

// NewOrderClock builds an order clock over the given time and entropy
// capabilities.
func NewOrderClock(clock Clock, random Random) *OrderClock {
	return &OrderClock{clock: clock, random: random}
}

// Next allocates the next order-time token. Tokens are strictly increasing
// within a process: the sequence counter breaks ties within a millisecond,
// and a wall clock that stands still or steps backwards never produces a
// token that sorts before an earlier one because the counter only resets
// when the clock has genuinely advanced.
func (c *OrderClock) Next() (identifiers.OrderTime, error) {
	c.mu.Lock()
	nowMs := uint64(c.clock.Now().UnixMilli())
	if nowMs <= c.lastMs {
		nowMs = c.lastMs
		c.counter++
	} else {
		c.lastMs = nowMs
		c.counter = 0
	}
	ms := nowMs
	seq := c.counter
	c.mu.Unlock()

	var token [32]byte
	binary.BigEndian.PutUint64(token[0:8], ms)
	binary.BigEndian.PutUint64(token[8:16], seq)
	if _, err := c.random.Read(token[16:]); err != nil {
		return identifiers.OrderTime{}, fmt.Errorf("effects: order-time entropy: %w", err)
	}
	return identifiers.OrderTimeFromBytes(token), nil
}

// PhysicalTimeMs returns the current wall-clock milliseconds, the companion
// accessor ceremony timestamps are stamped with.
func (c *OrderClock) PhysicalTimeMs() uint64 {
	return uint64(c.clock.Now().UnixMilli())
}
