// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package threshold

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
)

func testService(t *testing.T) (*Service, *effects.Capabilities, identifiers.DeviceID) {
	t.Helper()
	caps := effects.NewTesting(effects.NewInMemoryTransport(), log.NewNoOpLogger(), nil)
	self := identifiers.DeviceIDFromBytes([32]byte{0xD1})
	return NewService(caps, curve.Secp256k1{}, self), caps, self
}

func testAuthority(b byte) identifiers.AuthorityID {
	return identifiers.AuthorityIDFromBytes([32]byte{b})
}

func testParticipants(self identifiers.DeviceID, extra ...byte) []identifiers.ParticipantIdentity {
	out := []identifiers.ParticipantIdentity{identifiers.Device(self)}
	for _, b := range extra {
		out = append(out, identifiers.Device(identifiers.DeviceIDFromBytes([32]byte{b})))
	}
	return out
}

func TestBootstrapAndSelfSign(t *testing.T) {
	svc, caps, _ := testService(t)
	authority := testAuthority(0x01)

	pub, err := svc.BootstrapAuthority(authority)
	require.NoError(t, err)
	require.NotEmpty(t, pub)

	state, ok := svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, uint64(0), state.Epoch)
	require.Equal(t, uint16(1), state.Threshold)
	require.Equal(t, uint16(1), state.TotalParticipants)
	require.Equal(t, AgreementProvisional, state.AgreementMode)

	msg := []byte("hello")
	sig, err := svc.Sign(SigningContext{Authority: authority, Message: msg, Reason: ApprovalSelfOperation})
	require.NoError(t, err)
	require.Equal(t, uint16(1), sig.SignerCount)
	require.Equal(t, uint64(0), sig.Epoch)
	require.NoError(t, caps.Crypto.VerifyEd25519(ed25519.PublicKey(pub), msg, sig.Bytes))

	// The durable epoch record matches the in-memory context.
	epoch, err := svc.ActiveEpochFromStorage(authority)
	require.NoError(t, err)
	require.Equal(t, uint64(0), epoch)
}

func TestSignWithoutContext(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.Sign(SigningContext{Authority: testAuthority(0x02), Message: []byte("x")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRotateAndCommitTwoOfThree(t *testing.T) {
	svc, caps, self := testService(t)
	authority := testAuthority(0x03)

	_, err := svc.BootstrapAuthority(authority)
	require.NoError(t, err)

	participants := testParticipants(self, 0xD2, 0xD3)
	newEpoch, packages, pubkeyPkg, err := svc.RotateKeys(authority, 2, 3, participants)
	require.NoError(t, err)
	require.Equal(t, uint64(1), newEpoch)
	require.Len(t, packages, 3)
	require.NotEmpty(t, pubkeyPkg)

	// The rotation is staged: the active epoch is untouched and signing
	// still runs against epoch 0.
	state, ok := svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, uint64(0), state.Epoch)
	sig, err := svc.Sign(SigningContext{Authority: authority, Message: []byte("pre-commit")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), sig.Epoch)

	require.NoError(t, svc.CommitKeyRotation(authority, newEpoch))

	state, ok = svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, uint64(1), state.Epoch)
	require.Equal(t, uint16(2), state.Threshold)
	require.Equal(t, uint16(3), state.TotalParticipants)
	require.Equal(t, AgreementConsensusFinalized, state.AgreementMode)

	epoch, err := svc.ActiveEpochFromStorage(authority)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)

	// All three shares are local, so threshold signing aggregates and the
	// result verifies under the staged group key.
	msg := []byte("post-commit")
	sig, err = svc.Sign(SigningContext{Authority: authority, Message: msg})
	require.NoError(t, err)
	require.Equal(t, uint16(3), sig.SignerCount)
	require.Equal(t, []uint16{1, 2, 3}, sig.ParticipantIDs)

	groupPublic, err := DecodePoint(curve.Secp256k1{}, pubkeyPkg)
	require.NoError(t, err)
	require.NoError(t, caps.Crypto.VerifyThreshold(curve.Secp256k1{}, groupPublic, msg, sig.Bytes))
}

func TestSignThresholdNotMet(t *testing.T) {
	svc, caps, self := testService(t)
	authority := testAuthority(0x04)

	_, err := svc.BootstrapAuthority(authority)
	require.NoError(t, err)

	participants := testParticipants(self, 0xD2, 0xD3)
	newEpoch, _, _, err := svc.RotateKeys(authority, 2, 3, participants)
	require.NoError(t, err)
	require.NoError(t, svc.CommitKeyRotation(authority, newEpoch))

	// Drop two of the three shares; one local share cannot meet k=2.
	base := fmt.Sprintf("%s/%d", authority, newEpoch)
	for _, p := range participants[1:] {
		key := storage.Key{Namespace: "participant_shares", BaseKey: base, SubKey: p.StorageKey()}
		require.NoError(t, caps.Storage.Delete(storage.CapFull, key))
	}

	_, err = svc.Sign(SigningContext{Authority: authority, Message: []byte("x")})
	require.ErrorIs(t, err, ErrInsufficientShares)
	require.Contains(t, err.Error(), "missing")
}

func TestRotationRollback(t *testing.T) {
	svc, caps, self := testService(t)
	authority := testAuthority(0x05)

	_, err := svc.BootstrapAuthority(authority)
	require.NoError(t, err)

	participants := testParticipants(self, 0xD2, 0xD3)
	newEpoch, _, _, err := svc.RotateKeys(authority, 2, 3, participants)
	require.NoError(t, err)
	require.Equal(t, uint64(1), newEpoch)

	require.NoError(t, svc.RollbackKeyRotation(authority, newEpoch))

	shares, err := caps.Storage.ListKeys(storage.CapRead, "participant_shares", fmt.Sprintf("%s/%d", authority, newEpoch))
	require.NoError(t, err)
	require.Empty(t, shares)

	for _, namespace := range []string{"threshold_pubkey", "threshold_config", "threshold_metadata"} {
		key := storage.Key{Namespace: namespace, BaseKey: authority.String(), SubKey: "1"}
		_, err := caps.Storage.Retrieve(storage.CapRead, key)
		require.ErrorIs(t, err, storage.ErrNotFound, namespace)
	}

	state, ok := svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, uint64(0), state.Epoch)

	// Missing entries are tolerated on a second rollback.
	require.NoError(t, svc.RollbackKeyRotation(authority, newEpoch))
}

func TestCommitUpgradesLegacyMetadata(t *testing.T) {
	svc, caps, self := testService(t)
	authority := testAuthority(0x06)

	const epoch = uint64(5)
	legacy, err := json.Marshal(legacyThresholdMetadata{
		Threshold:         1,
		TotalParticipants: 1,
		Participants:      []identifiers.ParticipantIdentity{identifiers.Device(self)},
		AgreementMode:     AgreementCoordinatorSoftSafe,
	})
	require.NoError(t, err)
	require.NoError(t, caps.Storage.Store(storage.CapWrite, storage.Key{
		Namespace: "threshold_metadata", BaseKey: authority.String(), SubKey: "5",
	}, legacy))
	require.NoError(t, caps.Storage.Store(storage.CapWrite, storage.Key{
		Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: "5",
	}, []byte("pubkey-package")))

	require.NoError(t, svc.CommitKeyRotation(authority, epoch))

	state, ok := svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, epoch, state.Epoch)
	require.Equal(t, AgreementConsensusFinalized, state.AgreementMode)

	// The legacy record was rewritten into the canonical key with the
	// finalized agreement mode.
	raw, err := caps.Storage.Retrieve(storage.CapRead, storage.Key{
		Namespace: "threshold_config", BaseKey: authority.String(), SubKey: "5",
	})
	require.NoError(t, err)
	var upgraded configMetadata
	require.NoError(t, json.Unmarshal(raw, &upgraded))
	require.Equal(t, uint16(1), upgraded.ThresholdK)
	require.Equal(t, AgreementConsensusFinalized, upgraded.AgreementMode)
}

func TestCommitResolvesSignerIndexFromParticipants(t *testing.T) {
	svc, caps, _ := testService(t)
	authority := testAuthority(0x07)

	// A participant set that does not contain this node: the committed
	// context exists but cannot sign.
	other := identifiers.Device(identifiers.DeviceIDFromBytes([32]byte{0xEE}))
	cfg, err := json.Marshal(configMetadata{
		ThresholdK:    1,
		TotalN:        1,
		Participants:  []identifiers.ParticipantIdentity{other},
		Mode:          SigningModeSingleSigner,
		AgreementMode: AgreementConsensusFinalized,
	})
	require.NoError(t, err)
	require.NoError(t, caps.Storage.Store(storage.CapWrite, storage.Key{
		Namespace: "threshold_config", BaseKey: authority.String(), SubKey: "2",
	}, cfg))
	require.NoError(t, caps.Storage.Store(storage.CapWrite, storage.Key{
		Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: "2",
	}, []byte("pubkey-package")))

	require.NoError(t, svc.CommitKeyRotation(authority, 2))

	_, err = svc.Sign(SigningContext{Authority: authority, Message: []byte("x")})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestRotateKeysValidation(t *testing.T) {
	svc, _, self := testService(t)
	authority := testAuthority(0x08)

	_, _, _, err := svc.RotateKeys(authority, 2, 3, testParticipants(self))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewConfig(0, 1)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewConfig(3, 2)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSetAgreementMode(t *testing.T) {
	svc, _, _ := testService(t)
	authority := testAuthority(0x09)

	err := svc.SetAgreementMode(authority, AgreementConsensusFinalized)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.BootstrapAuthority(authority)
	require.NoError(t, err)
	require.NoError(t, svc.SetAgreementMode(authority, AgreementCoordinatorSoftSafe))

	state, ok := svc.ThresholdStateFor(authority)
	require.True(t, ok)
	require.Equal(t, AgreementCoordinatorSoftSafe, state.AgreementMode)
}

func TestStateValidationRejectsBadMutation(t *testing.T) {
	svc, _, _ := testService(t)

	// Duplicate participants must abort the mutation without becoming
	// visible.
	dup := identifiers.Device(identifiers.DeviceIDFromBytes([32]byte{0xAA}))
	_, err := withValidated(svc, func(s *serviceState) (struct{}, error) {
		s.contexts["bad"] = signingContextState{
			config:           Config{Threshold: 2, TotalParticipants: 2},
			epoch:            0,
			publicKeyPackage: []byte("pkg"),
			mode:             SigningModeThreshold,
			participants:     []identifiers.ParticipantIdentity{dup, dup},
		}
		return struct{}{}, nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invariant")

	svc.mu.RLock()
	_, exists := svc.state.contexts["bad"]
	svc.mu.RUnlock()
	require.False(t, exists)
}
