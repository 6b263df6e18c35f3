// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package effects collects every side-effecting capability the ceremony and
// threshold-signing core depends on — cryptography, time, randomness,
// transport, and storage — behind small interfaces, so that core logic never
// reaches for a global clock, a global RNG, or a live network socket. This
// mirrors the Deps capability-bundle pattern used for consensus wiring: a
// single struct of interfaces passed down instead of ambient state.
package effects

import (
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
)

// Clock supplies wall time. Production wraps time.Now; Testing and
// Simulation use a controllable clock so ceremony timeout logic is
// deterministic under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Random supplies entropy for nonce generation, context-id derivation, and
// coordinator-lease token allocation. Simulation seeds this deterministically
// so a failing scenario can be replayed exactly.
type Random interface {
	Read(p []byte) (int, error)
}

// Capabilities is the full bundle of effectful dependencies threaded through
// the ceremony, threshold-signing, and lifecycle packages. Every constructor
// in this package returns one of these, pre-wired for a particular run mode.
type Capabilities struct {
	Crypto    Crypto
	Clock     Clock
	Random    Random
	Order     *OrderClock
	Transport Transport
	Storage   storage.Facade
	Log       log.Logger
	Metrics   metric.MultiGatherer

	// Device is this node's own identity, set by the assembly so envelope
	// handlers can tell envelopes addressed to this node apart from traffic
	// merely passing through a shared inbox.
	Device identifiers.DeviceID
}

// WithDevice stamps this node's own device identity onto the bundle and
// returns it, for chaining at assembly time.
func (c *Capabilities) WithDevice(id identifiers.DeviceID) *Capabilities {
	c.Device = id
	return c
}

// Mode selects which concrete wiring Assemble should build.
type Mode uint8

const (
	// ModeProduction wires real cryptography, real time, OS entropy, a
	// live p2p transport, and a disk-backed storage facade.
	ModeProduction Mode = iota
	// ModeTesting wires real cryptography against a manually advanced clock,
	// a fixed-seed RNG, and an in-memory transport and storage facade, for
	// integration tests that exercise more than one authority in a single
	// process.
	ModeTesting
	// ModeSimulation wires real cryptography against a seeded
	// deterministic clock, RNG, and transport so that entire multi-party
	// scenarios can be replayed bit-for-bit from a fixed seed.
	ModeSimulation
)

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewProduction builds the Capabilities bundle used outside of tests: a real
// wall clock, OS-backed randomness, the live p2p transport, and a
// database-backed storage facade.
func NewProduction(db storage.Facade, transport Transport, logger log.Logger, metrics metric.MultiGatherer) *Capabilities {
	clock := systemClock{}
	random := cryptoRandReader{}
	return &Capabilities{
		Crypto:    NewCrypto(),
		Clock:     clock,
		Random:    random,
		Order:     NewOrderClock(clock, random),
		Transport: transport,
		Storage:   db,
		Log:       logger,
		Metrics:   metrics,
	}
}

// testingSeed fixes the deterministic RNG every ModeTesting bundle runs on.
const testingSeed = 0x41555241 // "AURA"

// NewTesting builds a Capabilities bundle for single-process multi-authority
// integration tests: real crypto, but a controllable clock, a fixed-seed
// RNG, an in-memory storage facade, and an in-memory shared-inbox transport,
// so tests are deterministic and never touch disk or a socket.
func NewTesting(transport Transport, logger log.Logger, metrics metric.MultiGatherer) *Capabilities {
	clock := newSimClock()
	random := newSeededRandom(testingSeed)
	return &Capabilities{
		Crypto:    NewCrypto(),
		Clock:     clock,
		Random:    random,
		Order:     NewOrderClock(clock, random),
		Transport: transport,
		Storage:   storage.NewFacade(storage.NewMemoryDatabase(), storage.CapFull),
		Log:       logger,
		Metrics:   metrics,
	}
}

// NewSimulation builds a Capabilities bundle driven entirely by seed: a
// deterministic clock starting at a fixed instant, a seeded RNG standing in
// for Random, and the same in-memory transport/storage Testing uses. Two
// simulations built from the same seed and driven with the same inputs
// produce byte-identical ceremony and journal state.
func NewSimulation(seed int64, transport Transport, logger log.Logger, metrics metric.MultiGatherer) *Capabilities {
	clock := newSimClock()
	random := newSeededRandom(seed)
	return &Capabilities{
		Crypto:    NewCrypto(),
		Clock:     clock,
		Random:    random,
		Order:     NewOrderClock(clock, random),
		Transport: transport,
		Storage:   storage.NewFacade(storage.NewMemoryDatabase(), storage.CapFull),
		Log:       logger,
		Metrics:   metrics,
	}
}
