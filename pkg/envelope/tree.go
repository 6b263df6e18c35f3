// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/crypto/hashing/hashing"

	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/threshold"
)

// DeviceLeafMetadata is the descriptive payload attached to a device's leaf
// in the authority's membership tree.
type DeviceLeafMetadata struct {
	DeviceID identifiers.DeviceID `json:"device_id"`
	Nickname string               `json:"nickname,omitempty"`
}

// LeafNode is one device's entry in the membership tree.
type LeafNode struct {
	LeafID       identifiers.LeafID `json:"leaf_id"`
	VerifyingKey []byte             `json:"verifying_key"`
	Metadata     DeviceLeafMetadata `json:"metadata"`
}

// TreeOpKind discriminates membership tree operations.
type TreeOpKind uint8

const (
	// OpAddLeaf inserts a new device leaf.
	OpAddLeaf TreeOpKind = iota
)

// TreeOp is a versioned membership operation bound to the tree state it was
// proposed against.
type TreeOp struct {
	ParentEpoch      uint64                `json:"parent_epoch"`
	ParentCommitment [32]byte              `json:"parent_commitment"`
	Kind             TreeOpKind            `json:"kind"`
	Index            identifiers.NodeIndex `json:"index"`
	Leaf             LeafNode              `json:"leaf"`
	Version          uint32                `json:"version"`
}

// AttestedOp is a tree operation plus the authority signature that makes it
// applicable.
type AttestedOp struct {
	Op        TreeOp
	Signature threshold.Signature
}

// ErrStaleTreeOp is returned when an attested op was built against a tree
// state that has since moved on.
var ErrStaleTreeOp = errors.New("envelope: tree op parent does not match current tree state")

// Tree is the membership tree surface the enrollment finalizer needs.
type Tree interface {
	// Leaves returns the current device leaves.
	Leaves() []LeafNode
	// HasDeviceLeaf reports whether device already holds a leaf.
	HasDeviceLeaf(device identifiers.DeviceID) bool
	// Epoch returns the tree's current epoch.
	Epoch() uint64
	// Commitment returns the commitment to the current tree contents.
	Commitment() [32]byte
	// Apply applies a signed membership operation.
	Apply(op AttestedOp) error
	// CommitEpoch advances the tree's epoch after a key rotation commits.
	CommitEpoch(epoch uint64)
}

// MemoryTree is the in-process membership tree used by the Testing and
// Simulation assemblies; a production node persists its tree through the
// storage façade on top of the same operations.
type MemoryTree struct {
	mu     sync.RWMutex
	epoch  uint64
	leaves []LeafNode
}

// NewMemoryTree returns an empty tree at epoch 0.
func NewMemoryTree() *MemoryTree { return &MemoryTree{} }

func (t *MemoryTree) Leaves() []LeafNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]LeafNode(nil), t.leaves...)
}

func (t *MemoryTree) HasDeviceLeaf(device identifiers.DeviceID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, leaf := range t.leaves {
		if leaf.Metadata.DeviceID.String() == device.String() {
			return true
		}
	}
	return false
}

func (t *MemoryTree) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Commitment hashes the canonical encoding of (epoch, leaves); any change
// to either produces a different commitment.
func (t *MemoryTree) Commitment() [32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitmentLocked()
}

func (t *MemoryTree) commitmentLocked() [32]byte {
	encoded, err := json.Marshal(struct {
		Epoch  uint64     `json:"epoch"`
		Leaves []LeafNode `json:"leaves"`
	}{t.epoch, t.leaves})
	if err != nil {
		return [32]byte{}
	}
	return hashing.ComputeHash256Array(encoded)
}

func (t *MemoryTree) Apply(op AttestedOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op.Op.ParentEpoch != t.epoch || op.Op.ParentCommitment != t.commitmentLocked() {
		return ErrStaleTreeOp
	}
	if len(op.Signature.Bytes) == 0 {
		return fmt.Errorf("envelope: tree op carries no signature")
	}

	switch op.Op.Kind {
	case OpAddLeaf:
		for _, leaf := range t.leaves {
			if leaf.LeafID == op.Op.Leaf.LeafID {
				return fmt.Errorf("envelope: leaf id %s already present", op.Op.Leaf.LeafID)
			}
		}
		t.leaves = append(t.leaves, op.Op.Leaf)
		return nil
	default:
		return fmt.Errorf("envelope: unknown tree op kind %d", op.Op.Kind)
	}
}

func (t *MemoryTree) CommitEpoch(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch > t.epoch {
		t.epoch = epoch
	}
}

// NextLeafID computes the next free leaf id: one past the largest in use,
// or 0 for an empty tree.
func NextLeafID(leaves []LeafNode) identifiers.LeafID {
	if len(leaves) == 0 {
		return 0
	}
	max := leaves[0].LeafID
	for _, leaf := range leaves[1:] {
		if leaf.LeafID > max {
			max = leaf.LeafID
		}
	}
	return max + 1
}

// enrollmentContextLabel is the domain separator for deriving a ceremony's
// context id.
const enrollmentContextLabel = "DEVICE_ENROLLMENT_CONTEXT"

// EnrollmentContextID derives the context id every envelope in a device
// enrollment ceremony is tagged with.
func EnrollmentContextID(authority identifiers.AuthorityID, ceremony identifiers.CeremonyID) identifiers.ContextID {
	authorityBytes := authority.Bytes()
	preimage := make([]byte, 0, len(enrollmentContextLabel)+len(authorityBytes)+len(ceremony.String()))
	preimage = append(preimage, enrollmentContextLabel...)
	preimage = append(preimage, authorityBytes[:]...)
	preimage = append(preimage, ceremony.String()...)
	return identifiers.ContextIDFromEntropy(hashing.ComputeHash256Array(preimage))
}

// bindTreeOp derives the message an authority signs when attesting a tree
// operation: the op itself, the signing epoch, and the group public key,
// with the aggregate-signature fields zeroed so the binding is over the
// unsigned operation.
func bindTreeOp(op TreeOp, epoch uint64, publicKeyPackage []byte) []byte {
	encoded, err := json.Marshal(struct {
		Op          TreeOp `json:"op"`
		Epoch       uint64 `json:"epoch"`
		GroupKey    []byte `json:"group_key"`
		AggSig      []byte `json:"agg_sig"`
		SignerCount uint16 `json:"signer_count"`
	}{op, epoch, publicKeyPackage, nil, 0})
	if err != nil {
		return nil
	}
	digest := hashing.ComputeHash256Array(encoded)
	return digest[:]
}
