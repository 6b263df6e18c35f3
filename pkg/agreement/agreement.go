// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package agreement tracks the consistency regime each authority epoch
// operates under and issues the coordinator-fenced records that move an
// epoch between regimes: convergence certificates when a soft-safe
// operation has been acknowledged by a quorum, and reversion facts when a
// competing operation won the race.
package agreement

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/luxfi/ids"
	"github.com/luxfi/validators"
	"github.com/luxfi/warp"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/threshold"
)

var (
	// ErrProvisionalAfterBootstrap is returned when a caller tries to move
	// an authority back to the provisional regime after its first ceremony:
	// A1 is only legal for 1-of-1 bootstrap authorities.
	ErrProvisionalAfterBootstrap = errors.New("agreement: provisional mode is only legal during bootstrap")
	// ErrQuorumNotReached is returned when an ack set's weight falls short
	// of the convergence quorum.
	ErrQuorumNotReached = errors.New("agreement: ack set below convergence quorum")
	// ErrUnknownMember is returned when an ack names an authority outside
	// the registered member set.
	ErrUnknownMember = errors.New("agreement: ack from unregistered member")
)

// MemberSet is the weighted membership the convergence quorum is computed
// over, one record per guardian or device authority.
type MemberSet struct {
	members map[string]*validators.GetValidatorOutput
	total   uint64
}

// NewMemberSet returns an empty member set.
func NewMemberSet() *MemberSet {
	return &MemberSet{members: make(map[string]*validators.GetValidatorOutput)}
}

// Add registers a member with its quorum weight and public key package.
func (m *MemberSet) Add(member identifiers.AuthorityID, weight uint64, publicKey []byte) error {
	if m.total > math.MaxUint64-weight {
		return validators.ErrWeightOverflow
	}
	m.members[member.String()] = &validators.GetValidatorOutput{
		PublicKey: publicKey,
		Weight:    weight,
	}
	m.total += weight
	return nil
}

// TotalWeight returns the summed weight of every registered member.
func (m *MemberSet) TotalWeight() uint64 { return m.total }

// WeightOf sums the weight of the named members, erroring on any member
// outside the set.
func (m *MemberSet) WeightOf(ackSet []identifiers.AuthorityID) (uint64, error) {
	var sum uint64
	for _, member := range ackSet {
		v, ok := m.members[member.String()]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownMember, member)
		}
		if sum > math.MaxUint64-v.Weight {
			return 0, validators.ErrWeightOverflow
		}
		sum += v.Weight
	}
	return sum, nil
}

// Manager is the agreement-mode and convergence service (C9). It wraps the
// signing service's lease table so every emitted record is fenced by the
// coordinator's current lease epoch, and records the results in the journal.
type Manager struct {
	caps    *effects.Capabilities
	signing *threshold.Service
	facts   *journal.Store

	// quorumNum/quorumDen is the convergence quorum as a fraction of total
	// member weight; acks must reach at least quorumNum/quorumDen of it.
	quorumNum uint64
	quorumDen uint64
}

// NewManager builds an agreement manager over the signing service and fact
// store. The convergence quorum defaults to 2/3 of member weight.
func NewManager(caps *effects.Capabilities, signing *threshold.Service, facts *journal.Store) *Manager {
	return &Manager{
		caps:      caps,
		signing:   signing,
		facts:     facts,
		quorumNum: 2,
		quorumDen: 3,
	}
}

// SetMode moves authority's active epoch to the given agreement mode.
// Moving back to Provisional is refused once the authority has grown past
// its 1-of-1 bootstrap configuration.
func (m *Manager) SetMode(authority identifiers.AuthorityID, mode threshold.AgreementMode) error {
	if mode == threshold.AgreementProvisional {
		state, ok := m.signing.ThresholdStateFor(authority)
		if ok && (state.TotalParticipants > 1 || state.Epoch > 0) {
			return ErrProvisionalAfterBootstrap
		}
	}
	return m.signing.SetAgreementMode(authority, mode)
}

// AcquireLease acquires or advances the coordinator lease for authority.
func (m *Manager) AcquireLease(authority identifiers.AuthorityID, coordEpoch uint64) (threshold.CoordinatorLease, error) {
	lease, err := m.signing.AcquireCoordinatorLease(authority, coordEpoch)
	if err != nil {
		return threshold.CoordinatorLease{}, err
	}
	m.caps.Log.Info("coordinator lease acquired",
		"authority", authority.String(),
		"coord_epoch", coordEpoch,
	)
	return lease, nil
}

// IssueConvergenceCert verifies the ack set reaches the convergence quorum
// over members, builds the lease-fenced certificate, and records it as a
// protocol fact for authority.
func (m *Manager) IssueConvergenceCert(
	context identifiers.ContextID,
	authority identifiers.AuthorityID,
	opID, prestateHash [32]byte,
	members *MemberSet,
	ackSet []identifiers.AuthorityID,
	window uint64,
) (threshold.ConvergenceCert, error) {
	ackWeight, err := members.WeightOf(ackSet)
	if err != nil {
		return threshold.ConvergenceCert{}, err
	}
	if ackWeight*m.quorumDen < members.TotalWeight()*m.quorumNum {
		return threshold.ConvergenceCert{}, fmt.Errorf("%w: have %d of %d", ErrQuorumNotReached, ackWeight, members.TotalWeight())
	}

	cert, err := m.signing.EmitConvergenceCert(context, authority, opID, prestateHash, ackSet, window)
	if err != nil {
		return threshold.ConvergenceCert{}, err
	}

	payload, err := attestedPayload(authority, cert)
	if err != nil {
		return threshold.ConvergenceCert{}, err
	}
	_, err = m.facts.AppendProtocol(authority, []journal.ProtocolFact{{
		Kind:    journal.KindConvergenceCert,
		Context: context,
		Epoch:   cert.CoordEpoch,
		Payload: payload,
	}}, journal.FactOptions{InitialAgreement: threshold.AgreementCoordinatorSoftSafe})
	if err != nil {
		return threshold.ConvergenceCert{}, err
	}

	m.caps.Log.Info("convergence cert issued",
		"authority", authority.String(),
		"coord_epoch", cert.CoordEpoch,
		"acks", len(ackSet),
	)
	return cert, nil
}

// IssueReversionFact builds the lease-fenced reversion record for a losing
// operation and records it as a protocol fact for authority.
func (m *Manager) IssueReversionFact(
	context identifiers.ContextID,
	authority identifiers.AuthorityID,
	opID, winnerOpID [32]byte,
) (threshold.ReversionFact, error) {
	fact, err := m.signing.EmitReversionFact(context, authority, opID, winnerOpID)
	if err != nil {
		return threshold.ReversionFact{}, err
	}

	payload, err := attestedPayload(authority, fact)
	if err != nil {
		return threshold.ReversionFact{}, err
	}
	_, err = m.facts.AppendProtocol(authority, []journal.ProtocolFact{{
		Kind:    journal.KindReversionFact,
		Context: context,
		Epoch:   fact.CoordEpoch,
		Payload: payload,
	}}, journal.FactOptions{InitialAgreement: threshold.AgreementCoordinatorSoftSafe})
	if err != nil {
		return threshold.ReversionFact{}, err
	}

	m.caps.Log.Warn("reversion fact issued",
		"authority", authority.String(),
		"coord_epoch", fact.CoordEpoch,
	)
	return fact, nil
}

// attestedPayload wraps record in an unsigned warp message sourced from the
// issuing authority, so the persisted payload carries the same framing other
// authorities use when relaying the record cross-authority.
func attestedPayload(authority identifiers.AuthorityID, record any) ([]byte, error) {
	inner, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("agreement: marshal record: %w", err)
	}
	msg := &warp.UnsignedMessage{
		SourceChainID:      ids.ID(authority.Bytes()),
		DestinationChainID: ids.ID(authority.Bytes()),
		Payload:            inner,
	}
	return msg.Bytes(), nil
}
