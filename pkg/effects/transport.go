// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"context"
	"sync"

	"github.com/luxfi/aura/pkg/identifiers"
)

// Message is a unit of transport between devices and authorities: the
// envelope processor's wire representation before it has been parsed into a
// typed envelope.
type Message struct {
	From    identifiers.DeviceID
	To      identifiers.DeviceID
	Content []byte
}

// Transport delivers opaque envelope bytes between devices. Production
// wraps the live p2p network; Testing and Simulation share an in-memory
// inbox so a single process can drive a multi-device ceremony end to end.
type Transport interface {
	// Send delivers content to the named device. Send does not block on
	// delivery acknowledgement; callers observe progress through the
	// envelope processor's receipts, not through Send's return value.
	Send(ctx context.Context, from, to identifiers.DeviceID, content []byte) error
	// Subscribe returns the channel of messages addressed to self. The
	// channel is closed when ctx is done.
	Subscribe(ctx context.Context, self identifiers.DeviceID) <-chan Message
}

// InMemoryTransport is a shared in-process transport: every device
// registered against the
// same InMemoryTransport instance can reach every other device with no
// network stack involved, which is what the Testing and Simulation run
// modes need to drive a multi-device ceremony inside a single test process.
type InMemoryTransport struct {
	mu     sync.RWMutex
	inboxes map[string]chan Message
}

// NewInMemoryTransport returns an empty shared transport. Devices register
// themselves the first time Subscribe is called.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{inboxes: make(map[string]chan Message)}
}

const inboxBuffer = 256

func (t *InMemoryTransport) inboxFor(id identifiers.DeviceID) chan Message {
	key := id.String()

	t.mu.RLock()
	ch, ok := t.inboxes[key]
	t.mu.RUnlock()
	if ok {
		return ch
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok = t.inboxes[key]; ok {
		return ch
	}
	ch = make(chan Message, inboxBuffer)
	t.inboxes[key] = ch
	return ch
}

func (t *InMemoryTransport) Send(ctx context.Context, from, to identifiers.DeviceID, content []byte) error {
	ch := t.inboxFor(to)
	msg := Message{From: from, To: to, Content: content}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InMemoryTransport) Subscribe(ctx context.Context, self identifiers.DeviceID) <-chan Message {
	src := t.inboxFor(self)
	out := make(chan Message, inboxBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
