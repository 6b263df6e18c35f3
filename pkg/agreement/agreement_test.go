// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agreement

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/threshold"
)

func testManager(t *testing.T) (*Manager, *threshold.Service, *journal.Store, identifiers.DeviceID) {
	t.Helper()
	caps := effects.NewTesting(effects.NewInMemoryTransport(), log.NewNoOpLogger(), nil)
	self := identifiers.DeviceIDFromBytes([32]byte{0xD1})
	signing := threshold.NewService(caps, curve.Secp256k1{}, self)
	facts := journal.NewStore(caps)
	return NewManager(caps, signing, facts), signing, facts, self
}

func authority(b byte) identifiers.AuthorityID {
	return identifiers.AuthorityIDFromBytes([32]byte{b})
}

func TestMemberSetWeights(t *testing.T) {
	members := NewMemberSet()
	a, b, c := authority(1), authority(2), authority(3)
	require.NoError(t, members.Add(a, 1, nil))
	require.NoError(t, members.Add(b, 1, nil))
	require.NoError(t, members.Add(c, 1, nil))
	require.Equal(t, uint64(3), members.TotalWeight())

	weight, err := members.WeightOf([]identifiers.AuthorityID{a, c})
	require.NoError(t, err)
	require.Equal(t, uint64(2), weight)

	_, err = members.WeightOf([]identifiers.AuthorityID{authority(9)})
	require.ErrorIs(t, err, ErrUnknownMember)
}

func TestSetModeProvisionalOnlyDuringBootstrap(t *testing.T) {
	mgr, signing, _, self := testManager(t)
	auth := authority(0x10)

	_, err := signing.BootstrapAuthority(auth)
	require.NoError(t, err)

	// 1-of-1 at epoch 0: provisional is still legal.
	require.NoError(t, mgr.SetMode(auth, threshold.AgreementProvisional))

	participants := []identifiers.ParticipantIdentity{
		identifiers.Device(self),
		identifiers.Device(identifiers.DeviceIDFromBytes([32]byte{0xD2})),
	}
	newEpoch, _, _, err := signing.RotateKeys(auth, 2, 2, participants)
	require.NoError(t, err)
	require.NoError(t, signing.CommitKeyRotation(auth, newEpoch))

	err = mgr.SetMode(auth, threshold.AgreementProvisional)
	require.ErrorIs(t, err, ErrProvisionalAfterBootstrap)

	require.NoError(t, mgr.SetMode(auth, threshold.AgreementCoordinatorSoftSafe))
}

func TestIssueConvergenceCert(t *testing.T) {
	mgr, _, facts, _ := testManager(t)
	auth := authority(0x11)
	ctx := identifiers.ContextIDFromEntropy([32]byte{0xC0})

	members := NewMemberSet()
	peers := []identifiers.AuthorityID{authority(1), authority(2), authority(3)}
	for _, p := range peers {
		require.NoError(t, members.Add(p, 1, nil))
	}

	// No lease yet.
	_, err := mgr.IssueConvergenceCert(ctx, auth, [32]byte{1}, [32]byte{2}, members, peers, 10)
	require.ErrorIs(t, err, threshold.ErrLeaseMissing)

	_, err = mgr.AcquireLease(auth, 4)
	require.NoError(t, err)

	// One ack out of three is below the 2/3 quorum.
	_, err = mgr.IssueConvergenceCert(ctx, auth, [32]byte{1}, [32]byte{2}, members, peers[:1], 10)
	require.ErrorIs(t, err, ErrQuorumNotReached)

	cert, err := mgr.IssueConvergenceCert(ctx, auth, [32]byte{1}, [32]byte{2}, members, peers[:2], 10)
	require.NoError(t, err)
	require.Equal(t, uint64(4), cert.CoordEpoch)

	loaded, err := facts.LoadCommittedFacts(auth)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.NotNil(t, loaded[0].Content.Protocol)
	require.Equal(t, journal.KindConvergenceCert, loaded[0].Content.Protocol.Kind)
	require.Equal(t, ctx, loaded[0].Content.Protocol.Context)
	require.NotEmpty(t, loaded[0].Content.Protocol.Payload)
}

func TestIssueReversionFact(t *testing.T) {
	mgr, _, facts, _ := testManager(t)
	auth := authority(0x12)
	ctx := identifiers.ContextIDFromEntropy([32]byte{0xC1})

	_, err := mgr.IssueReversionFact(ctx, auth, [32]byte{1}, [32]byte{7})
	require.ErrorIs(t, err, threshold.ErrLeaseMissing)

	_, err = mgr.AcquireLease(auth, 2)
	require.NoError(t, err)

	fact, err := mgr.IssueReversionFact(ctx, auth, [32]byte{1}, [32]byte{7})
	require.NoError(t, err)
	require.Equal(t, uint64(2), fact.CoordEpoch)

	loaded, err := facts.LoadCommittedFacts(auth)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, journal.KindReversionFact, loaded[0].Content.Protocol.Kind)
}
