// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/ceremony"
	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/threshold"
)

func device(b byte) identifiers.DeviceID {
	return identifiers.DeviceIDFromBytes([32]byte{b})
}

// pump interleaves the runtimes' inbound processing until the network goes
// quiet.
func pump(t *testing.T, ctx context.Context, runtimes ...*Runtime) {
	t.Helper()
	quiet := 0
	deadline := time.Now().Add(5 * time.Second)
	for quiet < 20 {
		require.True(t, time.Now().Before(deadline), "network never went quiet")
		progressed := false
		for _, r := range runtimes {
			ok, err := r.Step(ctx)
			require.NoError(t, err)
			if ok {
				progressed = true
			}
		}
		if progressed {
			quiet = 0
			continue
		}
		quiet++
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAssembleTestingRuntime(t *testing.T) {
	r, err := Assemble(DefaultTestingConfig(device(0x01)))
	require.NoError(t, err)
	require.False(t, r.Authority.IsZero(), "authority derived from device id")
	require.NotEmpty(t, r.Config.StorageBasePath, "test mode normalizes the storage path")

	// Same device always derives the same authority.
	r2, err := Assemble(DefaultTestingConfig(device(0x01)))
	require.NoError(t, err)
	require.Equal(t, r.Authority, r2.Authority)
}

func TestAssembleValidation(t *testing.T) {
	_, err := Assemble(Config{Mode: effects.ModeTesting})
	require.ErrorIs(t, err, ErrMissingDevice)

	cfg := DefaultTestingConfig(device(0x01))
	cfg.Mode = effects.ModeProduction
	_, err = Assemble(cfg)
	require.ErrorIs(t, err, ErrMissingDatabase)
}

func TestSharedTransportPreferredOverSharedInbox(t *testing.T) {
	sharedTransport := effects.NewInMemoryTransport()
	sharedInbox := effects.NewInMemoryTransport()

	cfg := DefaultTestingConfig(device(0x01))
	cfg.SharedTransport = sharedTransport
	cfg.SharedInbox = sharedInbox

	r, err := Assemble(cfg)
	require.NoError(t, err)
	require.Same(t, sharedTransport, r.Caps.Transport)
}

func TestBootstrapAndSelfSignScenario(t *testing.T) {
	r, err := Assemble(DefaultTestingConfig(device(0x01)))
	require.NoError(t, err)

	pub, err := r.BootstrapAuthority()
	require.NoError(t, err)

	sig, err := r.Sign([]byte("hello"), threshold.ApprovalSelfOperation)
	require.NoError(t, err)
	require.Equal(t, uint16(1), sig.SignerCount)
	require.NoError(t, r.Caps.Crypto.VerifyEd25519(pub, []byte("hello"), sig.Bytes))
}

func TestEnrollmentRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := effects.NewInMemoryTransport()

	initiatorCfg := DefaultTestingConfig(device(0x01))
	initiatorCfg.SharedTransport = shared
	initiator, err := Assemble(initiatorCfg)
	require.NoError(t, err)

	participantCfg := DefaultTestingConfig(device(0x02))
	participantCfg.SharedTransport = shared
	participantCfg.Authority = initiator.Authority
	participant, err := Assemble(participantCfg)
	require.NoError(t, err)

	_, err = initiator.BootstrapAuthority()
	require.NoError(t, err)

	nickname := "travel-phone"
	participants := []identifiers.ParticipantIdentity{
		identifiers.Device(initiator.Config.Device),
		identifiers.Device(participant.Config.Device),
	}
	ceremonyID := identifiers.CeremonyIDFromString("c0")
	pendingEpoch, err := initiator.InitiateEnrollment(ctx, ceremonyID, participant.Config.Device, &nickname, participants, 1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pendingEpoch)

	pump(t, ctx, initiator, participant)

	// The ceremony committed and both sides advanced to the new epoch.
	state, err := initiator.Tracker.Get(ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusCommitted, state.Status)

	initiatorState, ok := initiator.Signing.ThresholdStateFor(initiator.Authority)
	require.True(t, ok)
	require.Equal(t, uint64(1), initiatorState.Epoch)
	require.Equal(t, uint16(2), initiatorState.Threshold)
	require.Equal(t, threshold.AgreementConsensusFinalized, initiatorState.AgreementMode)

	participantState, ok := participant.Signing.ThresholdStateFor(participant.Authority)
	require.True(t, ok)
	require.Equal(t, uint64(1), participantState.Epoch)

	// The new device's leaf landed in the initiator's tree, with the
	// suggested nickname.
	require.True(t, initiator.Tree.HasDeviceLeaf(participant.Config.Device))
	leaves := initiator.Tree.Leaves()
	require.Len(t, leaves, 1)
	require.Equal(t, nickname, leaves[0].Metadata.Nickname)

	// The initiator holds every share locally, so it can aggregate a 2-of-2
	// signature; the participant holds only its own share.
	_, err = initiator.Sign([]byte("group-op"), threshold.ApprovalGroupDecision)
	require.NoError(t, err)
	_, err = participant.Sign([]byte("group-op"), threshold.ApprovalGroupDecision)
	require.ErrorIs(t, err, threshold.ErrInsufficientShares)

	// The enrollment fact is durable and was published on the sink.
	facts, err := initiator.Facts.LoadCommittedFacts(initiator.Authority)
	require.NoError(t, err)
	found := false
	for _, fact := range facts {
		if fact.Content.Relational != nil && fact.Content.Relational.Attribute == "device/enrolled" {
			found = true
		}
	}
	require.True(t, found, "device/enrolled fact recorded")

	select {
	case batch := <-initiator.FactSink():
		require.NotEmpty(t, batch)
	default:
		t.Fatal("no fact batch published")
	}
}

func TestAcceptanceThresholdIssuesCommitsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := effects.NewInMemoryTransport()

	initiatorCfg := DefaultTestingConfig(device(0x01))
	initiatorCfg.SharedTransport = shared
	initiator, err := Assemble(initiatorCfg)
	require.NoError(t, err)

	var peers []*Runtime
	participants := []identifiers.ParticipantIdentity{identifiers.Device(initiator.Config.Device)}
	for _, b := range []byte{0x02, 0x03} {
		cfg := DefaultTestingConfig(device(b))
		cfg.SharedTransport = shared
		cfg.Authority = initiator.Authority
		peer, err := Assemble(cfg)
		require.NoError(t, err)
		peers = append(peers, peer)
		participants = append(participants, identifiers.Device(peer.Config.Device))
	}

	_, err = initiator.BootstrapAuthority()
	require.NoError(t, err)

	ceremonyID := identifiers.CeremonyIDFromString("c-accept")
	_, err = initiator.InitiateEnrollment(ctx, ceremonyID, peers[0].Config.Device, nil, participants, 2, 2)
	require.NoError(t, err)

	all := append([]*Runtime{initiator}, peers...)
	pump(t, ctx, all...)

	state, err := initiator.Tracker.Get(ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusCommitted, state.Status)
	require.Len(t, state.Responses, 2)

	// A late duplicate acceptance does not reopen the ceremony.
	reached, err := initiator.Runner.RecordResponse(ceremonyID, identifiers.Device(peers[0].Config.Device))
	require.NoError(t, err)
	require.False(t, reached)

	state, err = initiator.Tracker.Get(ceremonyID)
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusCommitted, state.Status)
}

func TestLeaseScenario(t *testing.T) {
	r, err := Assemble(DefaultTestingConfig(device(0x01)))
	require.NoError(t, err)

	lease, err := r.AcquireLease(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lease.CoordEpoch)

	_, err = r.AcquireLease(1)
	require.ErrorIs(t, err, threshold.ErrLeaseNotMonotonic)

	lease, err = r.AcquireLease(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lease.CoordEpoch)

	cert, err := r.Signing.EmitConvergenceCert(
		identifiers.ContextIDFromEntropy([32]byte{0xC0}), r.Authority,
		[32]byte{1}, [32]byte{2}, nil, 16,
	)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cert.CoordEpoch)
}
