// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package runtime assembles the storage façade, effect system, signing
// service, ceremony runner, envelope processor, lifecycle scheduler, fact
// store, and agreement manager into one configured node runtime.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/version"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
)

var (
	// ErrMissingDevice is returned when no device identity is configured.
	ErrMissingDevice = errors.New("runtime: device id is required")
	// ErrMissingDatabase is returned when production mode is configured
	// without a backing database.
	ErrMissingDatabase = errors.New("runtime: production mode requires a database")
	// ErrMissingTransport is returned when production mode is configured
	// without a p2p sender and resolver.
	ErrMissingTransport = errors.New("runtime: production mode requires an app sender and node resolver")
	// ErrTempDirExhausted is returned when a fresh test-mode storage path
	// could not be created within the collision retry budget.
	ErrTempDirExhausted = errors.New("runtime: could not create test storage directory")
)

// Config is the runtime's wiring configuration.
type Config struct {
	Mode effects.Mode

	// Device is this node's identity. Required.
	Device identifiers.DeviceID
	// Authority is the authority this node operates. Derived from Device
	// when zero.
	Authority identifiers.AuthorityID

	// StorageBasePath is where production state lives. Production mode
	// keeps the value as given; Assemble fills in no default directory when
	// it is empty. Testing and Simulation normalize it to a fresh temporary
	// directory.
	StorageBasePath string

	// Database backs the production storage façade.
	Database database.Database

	// AppSender and Resolver wire the production transport.
	AppSender effects.AppSender
	Resolver  effects.NodeResolver

	// SharedTransport and SharedInbox let a simulation span several nodes
	// in one process. When both are set the shared transport wins.
	SharedTransport *effects.InMemoryTransport
	SharedInbox     *effects.InMemoryTransport

	// SimulationSeed drives the deterministic clock and RNG in
	// ModeSimulation.
	SimulationSeed int64

	// SigningCurve fixes the threshold signing group. Defaults to
	// secp256k1.
	SigningCurve curve.Curve

	// NodeVersion is stamped into the assembly log at startup.
	NodeVersion *version.Application

	Log     log.Logger
	Metrics metric.MultiGatherer
}

// DefaultTestingConfig returns the configuration tests start from: testing
// mode, a fresh in-memory stack, and no-op logging.
func DefaultTestingConfig(device identifiers.DeviceID) Config {
	return Config{
		Mode:   effects.ModeTesting,
		Device: device,
		Log:    log.NewNoOpLogger(),
	}
}

// DefaultSimulationConfig returns a deterministic simulation configuration
// for the given seed.
func DefaultSimulationConfig(device identifiers.DeviceID, seed int64) Config {
	cfg := DefaultTestingConfig(device)
	cfg.Mode = effects.ModeSimulation
	cfg.SimulationSeed = seed
	return cfg
}

// Validate checks the configuration for the selected mode.
func (c Config) Validate() error {
	if c.Device.IsZero() {
		return ErrMissingDevice
	}
	if c.Mode == effects.ModeProduction {
		if c.Database == nil {
			return ErrMissingDatabase
		}
		if (c.AppSender == nil || c.Resolver == nil) && c.SharedTransport == nil {
			return ErrMissingTransport
		}
	}
	return nil
}

func defaultLogger() log.Logger { return log.NewNoOpLogger() }

// tempDirRetries bounds how many suffixes normalizeTestPath tries before
// giving up.
const tempDirRetries = 8

// tempDirSeq disambiguates assemblies within one process, since a
// deterministic test-mode RNG hands every assembly the same suffix
// sequence.
var tempDirSeq atomic.Uint64

// normalizeTestPath creates a fresh temporary storage directory for
// test-mode runs, retrying on name collisions.
func normalizeTestPath(random effects.Random) (string, error) {
	base := os.TempDir()
	for attempt := 0; attempt < tempDirRetries; attempt++ {
		var suffix [8]byte
		if _, err := random.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("runtime: temp dir entropy: %w", err)
		}
		path := filepath.Join(base, fmt.Sprintf("aura-test-%d-%d-%x", os.Getpid(), tempDirSeq.Add(1), suffix))
		err := os.Mkdir(path, 0o700)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("runtime: create test storage dir: %w", err)
		}
	}
	return "", ErrTempDirExhausted
}
