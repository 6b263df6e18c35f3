// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package envelope

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/luxfi/threshold/pkg/math/curve"

	"github.com/luxfi/aura/pkg/ceremony"
	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/storage"
	"github.com/luxfi/aura/pkg/threshold"
)

// base64url without padding, decoded strictly: a field that fails to decode
// is ignored rather than failing the envelope.
var b64 = base64.RawURLEncoding.Strict()

// Processor dispatches inbound envelopes by content type to the enrollment
// handlers and issues the outbound envelopes each handler produces.
// Malformed metadata and cross-addressed envelopes are skipped with a
// warning; they never fail the receive loop.
type Processor struct {
	caps    *effects.Capabilities
	group   curve.Curve
	self    identifiers.DeviceID
	tracker *ceremony.Tracker
	runner  *ceremony.Runner
	signing *threshold.Service
	tree    Tree
	facts   *journal.Store
}

// NewProcessor wires the envelope processor over its collaborators.
func NewProcessor(
	caps *effects.Capabilities,
	group curve.Curve,
	self identifiers.DeviceID,
	tracker *ceremony.Tracker,
	runner *ceremony.Runner,
	signing *threshold.Service,
	tree Tree,
	facts *journal.Store,
) *Processor {
	return &Processor{
		caps:    caps,
		group:   group,
		self:    self,
		tracker: tracker,
		runner:  runner,
		signing: signing,
		tree:    tree,
		facts:   facts,
	}
}

// Dispatch routes one inbound envelope. A nil return means the envelope was
// either fully handled or deliberately skipped.
func (p *Processor) Dispatch(ctx context.Context, env Envelope) error {
	switch env.ContentType() {
	case ContentTypeKeyPackage:
		return p.handleKeyPackage(ctx, env)
	case ContentTypeAcceptance:
		return p.handleAcceptance(ctx, env)
	case ContentTypeCommit:
		return p.handleCommit(env)
	case ContentTypeAMP:
		// Choreography traffic; another subsystem's concern.
		return nil
	default:
		p.caps.Log.Warn("skipping envelope with unhandled content type",
			"content_type", env.ContentType(),
		)
		return nil
	}
}

// addressedToSelf applies the addressee filter: when either addressing
// field is present it must name this device.
func (p *Processor) addressedToSelf(env Envelope) bool {
	for _, key := range []string{MetaParticipantDevice, MetaDestinationDevice} {
		if v, ok := env.Metadata[key]; ok && v != p.self.String() {
			return false
		}
	}
	return true
}

// handleKeyPackage runs at an enrollment participant: it persists the
// delivered share, stages the ceremony's threshold configuration when the
// initiator attached one, and answers with an acceptance envelope.
func (p *Processor) handleKeyPackage(ctx context.Context, env Envelope) error {
	ceremonyID, ok := env.Metadata[MetaCeremonyID]
	if !ok || ceremonyID == "" {
		p.caps.Log.Warn("skipping key package without ceremony id")
		return nil
	}
	pendingEpoch, err := strconv.ParseUint(env.Metadata[MetaPendingEpoch], 10, 64)
	if err != nil {
		p.caps.Log.Warn("skipping key package with malformed pending epoch",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}
	initiator, err := identifiers.ParseDeviceID(env.Metadata[MetaInitiatorDevice])
	if err != nil {
		p.caps.Log.Warn("skipping key package with malformed initiator device id",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}
	if !p.addressedToSelf(env) {
		p.caps.Log.Warn("skipping key package addressed to another device",
			"ceremony_id", ceremonyID)
		return nil
	}

	authority := env.Destination
	shareBase := fmt.Sprintf("%s/%d", authority, pendingEpoch)
	shareKey := storage.Key{
		Namespace: "participant_shares",
		BaseKey:   shareBase,
		SubKey:    identifiers.Device(p.self).StorageKey(),
	}
	if err := p.caps.Storage.Store(storage.CapWrite, shareKey, env.Payload); err != nil {
		p.caps.Log.Warn("skipping key package: share persistence failed",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}

	// Best effort: whichever of the two staged records decodes is kept,
	// independently of the other.
	p.stageDecoded(env, MetaThresholdConfig, storage.Key{
		Namespace: "threshold_config",
		BaseKey:   authority.String(),
		SubKey:    strconv.FormatUint(pendingEpoch, 10),
	})
	p.stageDecoded(env, MetaThresholdPubkey, storage.Key{
		Namespace: "threshold_pubkey",
		BaseKey:   authority.String(),
		SubKey:    strconv.FormatUint(pendingEpoch, 10),
	})

	acceptance := Envelope{
		Destination: env.Source,
		Source:      env.Destination,
		Context:     EnrollmentContextID(authority, identifiers.CeremonyIDFromString(ceremonyID)),
		Metadata: map[string]string{
			MetaContentType:       ContentTypeAcceptance,
			MetaCeremonyID:        ceremonyID,
			MetaAcceptorDevice:    p.self.String(),
			MetaDestinationDevice: initiator.String(),
		},
	}
	if err := p.send(ctx, acceptance, initiator); err != nil {
		p.caps.Log.Warn("acceptance dispatch failed; share kept",
			"ceremony_id", ceremonyID, "error", err)
	}
	return nil
}

// stageDecoded decodes one base64url metadata field and persists it; decode
// failures drop the field, persistence failures warn but do not skip.
func (p *Processor) stageDecoded(env Envelope, metaKey string, key storage.Key) {
	encoded, ok := env.Metadata[metaKey]
	if !ok {
		return
	}
	decoded, err := b64.DecodeString(encoded)
	if err != nil {
		p.caps.Log.Warn("ignoring undecodable metadata field", "field", metaKey, "error", err)
		return
	}
	if err := p.caps.Storage.Store(storage.CapWrite, key, decoded); err != nil {
		p.caps.Log.Warn("failed to stage ceremony record", "key", key.String(), "error", err)
	}
}

// handleAcceptance runs at the initiator: it records the acceptor's
// response and, once the ceremony threshold is reached, finalizes the
// enrollment locally, broadcasts commits, and marks the ceremony committed.
func (p *Processor) handleAcceptance(ctx context.Context, env Envelope) error {
	ceremonyID, ok := env.Metadata[MetaCeremonyID]
	if !ok || ceremonyID == "" {
		p.caps.Log.Warn("skipping acceptance without ceremony id")
		return nil
	}
	acceptor, err := identifiers.ParseDeviceID(env.Metadata[MetaAcceptorDevice])
	if err != nil {
		p.caps.Log.Warn("skipping acceptance with malformed acceptor device id",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}
	if !p.addressedToSelf(env) {
		p.caps.Log.Warn("skipping acceptance addressed to another device",
			"ceremony_id", ceremonyID)
		return nil
	}

	id := identifiers.CeremonyIDFromString(ceremonyID)
	reached, err := p.runner.RecordResponse(id, identifiers.Device(acceptor))
	if err != nil {
		p.caps.Log.Warn("skipping acceptance for unknown ceremony or participant",
			"ceremony_id", ceremonyID, "acceptor", acceptor.String(), "error", err)
		return nil
	}
	if !reached {
		return nil
	}

	state, err := p.tracker.Get(id)
	if err != nil {
		return err
	}
	authority := env.Destination

	if err := p.finalizeEnrollment(authority, state); err != nil {
		p.caps.Log.Warn("failed to finalize device enrollment locally",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}

	p.broadcastCommits(ctx, authority, id, state)

	if err := p.runner.Commit(id, ceremony.CommitMetadata{}); err != nil {
		return err
	}

	if p.facts != nil {
		entity := ""
		if state.EnrollmentDeviceID != nil {
			entity = state.EnrollmentDeviceID.String()
		}
		if _, err := p.facts.AppendRelational(authority, []journal.RelationalFact{{
			Entity:    entity,
			Attribute: "device/enrolled",
			Value:     []byte(strconv.FormatUint(state.NewEpoch, 10)),
		}}, journal.FactOptions{InitialAgreement: threshold.AgreementConsensusFinalized}); err != nil {
			p.caps.Log.Warn("failed to record enrollment fact",
				"ceremony_id", ceremonyID, "error", err)
		}
	}
	return nil
}

// broadcastCommits issues commit envelopes to every device participant.
func (p *Processor) broadcastCommits(ctx context.Context, authority identifiers.AuthorityID, id identifiers.CeremonyID, state ceremony.State) {
	for _, participant := range state.Participants {
		device, ok := participant.AsDevice()
		if !ok {
			continue
		}
		commit := Envelope{
			Destination: authority,
			Source:      authority,
			Context:     EnrollmentContextID(authority, id),
			Metadata: map[string]string{
				MetaContentType:       ContentTypeCommit,
				MetaCeremonyID:        id.String(),
				MetaNewEpoch:          strconv.FormatUint(state.NewEpoch, 10),
				MetaDestinationDevice: device.String(),
			},
		}
		if err := p.send(ctx, commit, device); err != nil {
			p.caps.Log.Warn("commit dispatch failed",
				"ceremony_id", id.String(), "device", device.String(), "error", err)
		}
	}
}

// handleCommit runs at a participant: the initiator has finalized, so the
// pending epoch becomes this node's active epoch.
func (p *Processor) handleCommit(env Envelope) error {
	ceremonyID := env.Metadata[MetaCeremonyID]
	newEpoch, err := strconv.ParseUint(env.Metadata[MetaNewEpoch], 10, 64)
	if err != nil {
		p.caps.Log.Warn("skipping commit with malformed new epoch",
			"ceremony_id", ceremonyID, "error", err)
		return nil
	}
	if !p.addressedToSelf(env) {
		p.caps.Log.Warn("skipping commit addressed to another device",
			"ceremony_id", ceremonyID)
		return nil
	}

	if err := p.signing.CommitKeyRotation(env.Destination, newEpoch); err != nil {
		p.caps.Log.Warn("failed to commit pending epoch",
			"ceremony_id", ceremonyID, "new_epoch", newEpoch, "error", err)
		return nil
	}
	p.tree.CommitEpoch(newEpoch)
	p.caps.Log.Info("committed ceremony epoch",
		"ceremony_id", ceremonyID, "new_epoch", newEpoch)
	return nil
}

// finalizeEnrollment performs the initiator-side enrollment finalization:
// insert the new device's leaf (unless one already exists) and advance the
// active epoch. Epoch-advance failures warn rather than fail, since the
// leaf insertion has already been signed and applied.
func (p *Processor) finalizeEnrollment(authority identifiers.AuthorityID, state ceremony.State) error {
	needLeaf := true
	if state.EnrollmentDeviceID == nil {
		needLeaf = false
	} else if p.tree.HasDeviceLeaf(*state.EnrollmentDeviceID) {
		p.caps.Log.Info("enrollment leaf already present; committing epoch only",
			"device", state.EnrollmentDeviceID.String())
		needLeaf = false
	}

	if needLeaf {
		if err := p.insertEnrollmentLeaf(authority, state); err != nil {
			return err
		}
	}

	if err := p.signing.CommitKeyRotation(authority, state.NewEpoch); err != nil {
		p.caps.Log.Warn("local epoch commit failed after enrollment",
			"authority", authority.String(), "new_epoch", state.NewEpoch, "error", err)
		return nil
	}
	p.tree.CommitEpoch(state.NewEpoch)
	return nil
}

func (p *Processor) insertEnrollmentLeaf(authority identifiers.AuthorityID, state ceremony.State) error {
	shareBase := fmt.Sprintf("%s/%d", authority, state.NewEpoch)
	shareKey := storage.Key{
		Namespace: "participant_shares",
		BaseKey:   shareBase,
		SubKey:    identifiers.Device(p.self).StorageKey(),
	}
	raw, err := p.caps.Storage.Retrieve(storage.CapRead, shareKey)
	if err != nil {
		return fmt.Errorf("load own share for epoch %d: %w", state.NewEpoch, err)
	}
	share, err := threshold.DecodeShare(p.group, raw)
	if err != nil {
		return fmt.Errorf("decode own share: %w", err)
	}

	pubkeyKey := storage.Key{
		Namespace: "threshold_pubkey",
		BaseKey:   authority.String(),
		SubKey:    strconv.FormatUint(state.NewEpoch, 10),
	}
	pubkeyPkg, err := p.caps.Storage.Retrieve(storage.CapRead, pubkeyKey)
	if err != nil {
		return fmt.Errorf("load public key package for epoch %d: %w", state.NewEpoch, err)
	}
	if _, err := threshold.DecodePoint(p.group, pubkeyPkg); err != nil {
		return fmt.Errorf("decode public key package: %w", err)
	}
	verifyingKey, err := share.Public.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal verifying key: %w", err)
	}

	metadata := DeviceLeafMetadata{DeviceID: *state.EnrollmentDeviceID}
	if state.EnrollmentNicknameSuggestion != nil {
		metadata.Nickname = *state.EnrollmentNicknameSuggestion
	}
	leaf := LeafNode{
		LeafID:       NextLeafID(p.tree.Leaves()),
		VerifyingKey: verifyingKey,
		Metadata:     metadata,
	}
	op := TreeOp{
		ParentEpoch:      p.tree.Epoch(),
		ParentCommitment: p.tree.Commitment(),
		Kind:             OpAddLeaf,
		Index:            identifiers.NodeIndex(0),
		Leaf:             leaf,
		Version:          1,
	}

	signingState, ok := p.signing.ThresholdStateFor(authority)
	if !ok {
		return fmt.Errorf("no signing context for %s", authority)
	}
	pubPkg, _ := p.signing.PublicKeyPackage(authority)
	signature, err := p.signing.Sign(threshold.SigningContext{
		Authority: authority,
		Message:   bindTreeOp(op, signingState.Epoch, pubPkg),
		Reason:    threshold.ApprovalSelfOperation,
	})
	if err != nil {
		return fmt.Errorf("sign enrollment tree op: %w", err)
	}

	if err := p.tree.Apply(AttestedOp{Op: op, Signature: signature}); err != nil {
		return fmt.Errorf("apply enrollment tree op: %w", err)
	}
	return nil
}

// InitiateEnrollment runs at the coordinator device: it rotates the
// authority's key material to include the new participant set, records the
// ceremony, and distributes one key-package envelope per remote device
// participant. The returned epoch is pending until the ceremony commits.
func (p *Processor) InitiateEnrollment(
	ctx context.Context,
	authority identifiers.AuthorityID,
	id identifiers.CeremonyID,
	newDevice identifiers.DeviceID,
	nickname *string,
	participants []identifiers.ParticipantIdentity,
	acceptanceThreshold uint16,
	signingThreshold uint16,
) (uint64, error) {
	newEpoch, packages, _, err := p.signing.RotateKeys(authority, signingThreshold, uint16(len(participants)), participants)
	if err != nil {
		return 0, err
	}

	if err := p.tracker.Create(id, ceremony.State{
		Participants:                 participants,
		Threshold:                    acceptanceThreshold,
		NewEpoch:                     newEpoch,
		EnrollmentDeviceID:           &newDevice,
		EnrollmentNicknameSuggestion: nickname,
		Status:                       ceremony.StatusPending,
	}); err != nil {
		return 0, err
	}

	configB64, pubkeyB64 := p.stagedRecordsB64(authority, newEpoch)
	contextID := EnrollmentContextID(authority, id)

	for i, participant := range participants {
		device, ok := participant.AsDevice()
		if !ok || device.String() == p.self.String() {
			continue
		}
		pkg := Envelope{
			Destination: authority,
			Source:      authority,
			Context:     contextID,
			Payload:     packages[i],
			Metadata: map[string]string{
				MetaContentType:       ContentTypeKeyPackage,
				MetaCeremonyID:        id.String(),
				MetaPendingEpoch:      strconv.FormatUint(newEpoch, 10),
				MetaInitiatorDevice:   p.self.String(),
				MetaParticipantDevice: device.String(),
			},
		}
		if configB64 != "" {
			pkg.Metadata[MetaThresholdConfig] = configB64
		}
		if pubkeyB64 != "" {
			pkg.Metadata[MetaThresholdPubkey] = pubkeyB64
		}
		if err := p.send(ctx, pkg, device); err != nil {
			p.caps.Log.Warn("key package dispatch failed",
				"ceremony_id", id.String(), "device", device.String(), "error", err)
		}
	}

	p.caps.Log.Info("enrollment ceremony initiated",
		"ceremony_id", id.String(),
		"authority", authority.String(),
		"pending_epoch", newEpoch,
		"participants", len(participants),
	)
	return newEpoch, nil
}

// stagedRecordsB64 reads back the rotation's staged config and pubkey
// records for inlining into key-package metadata.
func (p *Processor) stagedRecordsB64(authority identifiers.AuthorityID, epoch uint64) (configB64, pubkeyB64 string) {
	sub := strconv.FormatUint(epoch, 10)
	if raw, err := p.caps.Storage.Retrieve(storage.CapRead, storage.Key{
		Namespace: "threshold_config", BaseKey: authority.String(), SubKey: sub,
	}); err == nil {
		configB64 = b64.EncodeToString(raw)
	}
	if raw, err := p.caps.Storage.Retrieve(storage.CapRead, storage.Key{
		Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: sub,
	}); err == nil {
		pubkeyB64 = b64.EncodeToString(raw)
	}
	return configB64, pubkeyB64
}

func (p *Processor) send(ctx context.Context, env Envelope, to identifiers.DeviceID) error {
	wire, err := EncodeWire(env)
	if err != nil {
		return err
	}
	return p.caps.Transport.Send(ctx, p.self, to, wire)
}
