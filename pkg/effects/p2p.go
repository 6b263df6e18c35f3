// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"context"

	"github.com/luxfi/p2p"

	"github.com/luxfi/aura/pkg/identifiers"
)

// AppSender is an alias for p2p.Sender, the node-side network handle the
// production transport is wired over. The node passes a p2p.Sender to the
// assembly; everything below it speaks Transport.
type AppSender = p2p.Sender

// NodeResolver maps this module's device identifiers onto the p2p layer's
// node addressing. The surrounding node owns peer discovery and connection
// state, so resolution lives behind an interface instead of this package
// keeping its own peer table.
type NodeResolver interface {
	// Deliver hands content to the p2p layer for the named device, using
	// sender for the actual network send.
	Deliver(ctx context.Context, sender AppSender, to identifiers.DeviceID, content []byte) error
	// Inbound returns the stream of raw payloads the p2p layer has received
	// for this node. The channel is closed when ctx is done.
	Inbound(ctx context.Context, self identifiers.DeviceID) <-chan Message
}

// P2PTransport adapts a p2p.Sender plus a NodeResolver into the Transport
// capability used by ModeProduction. Testing and Simulation use
// InMemoryTransport instead.
type P2PTransport struct {
	sender   AppSender
	resolver NodeResolver
}

// NewP2PTransport builds the production transport over the node's p2p
// sender and resolver.
func NewP2PTransport(sender AppSender, resolver NodeResolver) *P2PTransport {
	return &P2PTransport{sender: sender, resolver: resolver}
}

func (t *P2PTransport) Send(ctx context.Context, from, to identifiers.DeviceID, content []byte) error {
	return t.resolver.Deliver(ctx, t.sender, to, content)
}

func (t *P2PTransport) Subscribe(ctx context.Context, self identifiers.DeviceID) <-chan Message {
	return t.resolver.Inbound(ctx, self)
}
