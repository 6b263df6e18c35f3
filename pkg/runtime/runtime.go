// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/crypto/hashing/hashing"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/aura/pkg/agreement"
	"github.com/luxfi/aura/pkg/aura"
	"github.com/luxfi/aura/pkg/ceremony"
	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/envelope"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/lifecycle"
	"github.com/luxfi/aura/pkg/storage"
	"github.com/luxfi/aura/pkg/threshold"
)

// Runtime is a fully wired node: every component of the ceremony and
// threshold-signing core, sharing one capability bundle.
type Runtime struct {
	Config    Config
	Caps      *effects.Capabilities
	Authority identifiers.AuthorityID

	Signing   *threshold.Service
	Tracker   *ceremony.Tracker
	Runner    *ceremony.Runner
	Processor *envelope.Processor
	Scheduler *lifecycle.Scheduler
	Facts     *journal.Store
	Agreement *agreement.Manager
	Tree      envelope.Tree

	factSink    chan []journal.TypedFact
	viewUpdates chan journal.ViewUpdate
	counters    *counters

	inboxOnce sync.Once
	inbox     <-chan effects.Message
}

type counters struct {
	ceremoniesStarted   prometheus.Counter
	ceremoniesCommitted prometheus.Counter
	signaturesIssued    prometheus.Counter
	rotationsCommitted  prometheus.Counter
	rotationsRolledBack prometheus.Counter
	leaseAcquisitions   prometheus.Counter
}

func newCounters() *counters {
	return &counters{
		ceremoniesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_ceremonies_started",
			Help: "Number of ceremonies this node initiated",
		}),
		ceremoniesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_ceremonies_committed",
			Help: "Number of ceremonies committed",
		}),
		signaturesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_signatures_issued",
			Help: "Number of signatures issued",
		}),
		rotationsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_rotations_committed",
			Help: "Number of key rotations committed",
		}),
		rotationsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_rotations_rolled_back",
			Help: "Number of key rotations rolled back",
		}),
		leaseAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aura_lease_acquisitions",
			Help: "Number of coordinator leases acquired",
		}),
	}
}

func (c *counters) register(registry *prometheus.Registry) error {
	for _, collector := range []prometheus.Collector{
		c.ceremoniesStarted,
		c.ceremoniesCommitted,
		c.signaturesIssued,
		c.rotationsCommitted,
		c.rotationsRolledBack,
		c.leaseAcquisitions,
	} {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Assemble wires a runtime from cfg.
func Assemble(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = defaultLogger()
	}
	if cfg.SigningCurve == nil {
		cfg.SigningCurve = curve.Secp256k1{}
	}

	transport, err := selectTransport(cfg)
	if err != nil {
		return nil, err
	}

	var caps *effects.Capabilities
	switch cfg.Mode {
	case effects.ModeProduction:
		facade := storage.NewFacade(cfg.Database, storage.CapFull)
		caps = effects.NewProduction(facade, transport, cfg.Log, cfg.Metrics)
	case effects.ModeSimulation:
		caps = effects.NewSimulation(cfg.SimulationSeed, transport, cfg.Log, cfg.Metrics)
	default:
		caps = effects.NewTesting(transport, cfg.Log, cfg.Metrics)
	}
	caps.WithDevice(cfg.Device)

	if cfg.Mode != effects.ModeProduction {
		path, err := normalizeTestPath(caps.Random)
		if err != nil {
			return nil, err
		}
		cfg.StorageBasePath = path
	}

	authority := cfg.Authority
	if authority.IsZero() {
		authority = deriveAuthority(cfg.Device)
	}

	facts := journal.NewStore(caps)
	factSink := make(chan []journal.TypedFact, journal.SinkCapacity)
	facts.AttachSink(factSink)
	viewUpdates := make(chan journal.ViewUpdate, journal.SinkCapacity)
	facts.AttachViewUpdates(viewUpdates)

	signing := threshold.NewService(caps, cfg.SigningCurve, cfg.Device)
	tracker, err := ceremony.NewPersistentTracker(caps.Storage)
	if err != nil {
		return nil, err
	}
	runner := ceremony.NewRunner(tracker)
	tree := envelope.NewMemoryTree()
	processor := envelope.NewProcessor(caps, cfg.SigningCurve, cfg.Device, tracker, runner, signing, tree, facts)
	scheduler := lifecycle.NewScheduler(caps)
	agreements := agreement.NewManager(caps, signing, facts)

	r := &Runtime{
		Config:    cfg,
		Caps:      caps,
		Authority: authority,
		Signing:   signing,
		Tracker:   tracker,
		Runner:    runner,
		Processor: processor,
		Scheduler: scheduler,
		Facts:       facts,
		Agreement:   agreements,
		Tree:        tree,
		factSink:    factSink,
		viewUpdates: viewUpdates,
		counters:    newCounters(),
	}

	if cfg.Metrics != nil {
		registry := prometheus.NewRegistry()
		if err := r.counters.register(registry); err != nil {
			return nil, fmt.Errorf("runtime: register counters: %w", err)
		}
		if err := cfg.Metrics.Register("aura", registry); err != nil {
			return nil, fmt.Errorf("runtime: attach gatherer: %w", err)
		}
	}

	maybeStartDeadlockDetector(cfg.Log)

	cfg.Log.Info("runtime assembled",
		"device", cfg.Device.String(),
		"authority", authority.String(),
		"mode", cfg.Mode,
		"storage_path", cfg.StorageBasePath,
		"version", cfg.NodeVersion,
	)
	return r, nil
}

// selectTransport resolves which transport the runtime runs over. A
// simulation configured with both a shared transport and a shared inbox
// gets the shared transport.
func selectTransport(cfg Config) (effects.Transport, error) {
	if cfg.SharedTransport != nil && cfg.SharedInbox != nil {
		if cfg.Log != nil {
			cfg.Log.Warn("both shared transport and shared inbox configured; using shared transport")
		}
		return cfg.SharedTransport, nil
	}
	if cfg.SharedTransport != nil {
		return cfg.SharedTransport, nil
	}
	if cfg.SharedInbox != nil {
		return cfg.SharedInbox, nil
	}
	if cfg.Mode == effects.ModeProduction {
		return effects.NewP2PTransport(cfg.AppSender, cfg.Resolver), nil
	}
	return effects.NewInMemoryTransport(), nil
}

// deriveAuthority derives a node's default authority id from its device id.
func deriveAuthority(device identifiers.DeviceID) identifiers.AuthorityID {
	deviceBytes := device.Bytes()
	preimage := append([]byte("AURA_AUTHORITY"), deviceBytes[:]...)
	return identifiers.AuthorityIDFromBytes(hashing.ComputeHash256Array(preimage))
}

// FactSink returns the reactive channel fact batches are published on.
func (r *Runtime) FactSink() <-chan []journal.TypedFact { return r.factSink }

// ViewUpdates returns the droppable notification channel reactive views
// watch for new facts.
func (r *Runtime) ViewUpdates() <-chan journal.ViewUpdate { return r.viewUpdates }

// BootstrapAuthority provisions this runtime's own authority at epoch 0.
func (r *Runtime) BootstrapAuthority() ([]byte, error) {
	pub, err := r.Signing.BootstrapAuthority(r.Authority)
	if err != nil {
		return nil, aura.Classified("bootstrap_authority", err)
	}
	r.counters.ceremoniesStarted.Inc()
	r.counters.ceremoniesCommitted.Inc()
	return pub, nil
}

// Sign signs message under this runtime's authority.
func (r *Runtime) Sign(message []byte, reason threshold.ApprovalReason) (threshold.Signature, error) {
	sig, err := r.Signing.Sign(threshold.SigningContext{
		Authority: r.Authority,
		Message:   message,
		Reason:    reason,
	})
	if err != nil {
		return threshold.Signature{}, aura.Classified("sign", err)
	}
	r.counters.signaturesIssued.Inc()
	return sig, nil
}

// InitiateEnrollment starts a device-enrollment ceremony from this node.
func (r *Runtime) InitiateEnrollment(
	ctx context.Context,
	id identifiers.CeremonyID,
	newDevice identifiers.DeviceID,
	nickname *string,
	participants []identifiers.ParticipantIdentity,
	acceptanceThreshold uint16,
	signingThreshold uint16,
) (uint64, error) {
	epoch, err := r.Processor.InitiateEnrollment(ctx, r.Authority, id, newDevice, nickname, participants, acceptanceThreshold, signingThreshold)
	if err != nil {
		return 0, aura.Classified("initiate_enrollment", err)
	}
	r.counters.ceremoniesStarted.Inc()
	return epoch, nil
}

// CommitRotation makes newEpoch this runtime's active epoch.
func (r *Runtime) CommitRotation(newEpoch uint64) error {
	if err := r.Signing.CommitKeyRotation(r.Authority, newEpoch); err != nil {
		return aura.Classified("commit_key_rotation", err)
	}
	r.Tree.CommitEpoch(newEpoch)
	r.counters.rotationsCommitted.Inc()
	return nil
}

// RollbackRotation deletes the staged material for a failed epoch.
func (r *Runtime) RollbackRotation(failedEpoch uint64) error {
	if err := r.Signing.RollbackKeyRotation(r.Authority, failedEpoch); err != nil {
		return aura.Classified("rollback_key_rotation", err)
	}
	r.counters.rotationsRolledBack.Inc()
	return nil
}

// AcquireLease acquires the coordinator lease for this runtime's authority.
func (r *Runtime) AcquireLease(coordEpoch uint64) (threshold.CoordinatorLease, error) {
	lease, err := r.Agreement.AcquireLease(r.Authority, coordEpoch)
	if err != nil {
		return threshold.CoordinatorLease{}, aura.Classified("acquire_coordinator_lease", err)
	}
	r.counters.leaseAcquisitions.Inc()
	return lease, nil
}

// ensureInbox subscribes to the transport exactly once, so Run and Step
// never race for the same inbound stream.
func (r *Runtime) ensureInbox(ctx context.Context) <-chan effects.Message {
	r.inboxOnce.Do(func() {
		r.inbox = r.Caps.Transport.Subscribe(ctx, r.Config.Device)
	})
	return r.inbox
}

// Run consumes this node's transport inbox and dispatches every decoded
// envelope until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	inbox := r.ensureInbox(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			env, err := envelope.DecodeWire(msg.Content)
			if err != nil {
				r.Caps.Log.Warn("dropping undecodable envelope", "error", err)
				continue
			}
			if err := r.Processor.Dispatch(ctx, env); err != nil {
				r.Caps.Log.Warn("envelope dispatch failed", "error", err)
			}
		}
	}
}

// Step drains at most one pending inbound envelope, for deterministic
// simulations that interleave nodes by hand. It reports whether an envelope
// was processed.
func (r *Runtime) Step(ctx context.Context) (bool, error) {
	select {
	case msg, ok := <-r.ensureInbox(ctx):
		if !ok {
			return false, nil
		}
		env, err := envelope.DecodeWire(msg.Content)
		if err != nil {
			return true, err
		}
		return true, r.Processor.Dispatch(ctx, env)
	default:
		return false, nil
	}
}
