// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/cronokirby/saferith"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/threshold/pkg/math/polynomial"
	"github.com/luxfi/threshold/pkg/math/sample"
	"github.com/luxfi/threshold/pkg/party"
)

// ErrVerificationFailed is returned by Crypto.VerifyEd25519 and
// Crypto.VerifyThreshold when a signature does not check out.
var ErrVerificationFailed = errors.New("effects: signature verification failed")

// ThresholdShare is one party's secret share of a threshold public key, as
// produced by a completed key-generation or rotation ceremony.
type ThresholdShare struct {
	Group  curve.Curve
	Self   party.ID
	Secret curve.Scalar
	Public curve.Point
}

// ThresholdNonce is the one-time randomness a party commits to before
// producing its partial signature, analogous to a Schnorr/FROST signing
// nonce. It must never be reused across two different messages.
type ThresholdNonce struct {
	Scalar curve.Scalar
	Point  curve.Point
}

// PartialSignature is a single party's contribution to a threshold
// signature: its nonce commitment and the scalar it computed over the
// message using its own share.
type PartialSignature struct {
	Signer party.ID
	Nonce  curve.Point
	Scalar curve.Scalar
}

// Crypto is the cryptography capability: solo Ed25519 signing for the
// 1-of-1 fast path, and threshold partial-signing/aggregation primitives for
// the k-of-n path. Implementations must be safe for concurrent use.
type Crypto interface {
	// GenerateEd25519 creates a fresh solo device keypair.
	GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error)
	// SignEd25519 signs msg with the solo device's private key: the 1-of-1
	// fast path used when a device is its own sole signer.
	SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte
	// VerifyEd25519 checks a solo signature.
	VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) error

	// GenerateNonce produces a fresh per-signing-round nonce for share.
	GenerateNonce(share ThresholdShare) (ThresholdNonce, error)
	// SignPartial computes this party's contribution to a threshold
	// signature over msg. groupNonce is the sum of every signer's nonce
	// commitment for this round and groupPublic the group key, so all
	// partials share one challenge; lambda is this signer's Lagrange
	// coefficient over the round's signer set.
	SignPartial(share ThresholdShare, nonce ThresholdNonce, groupNonce, groupPublic curve.Point, lambda curve.Scalar, msg []byte) (PartialSignature, error)
	// AggregateThreshold sums a quorum of partial signatures produced for
	// the same round into the group's final signature. Each partial already
	// carries its Lagrange weighting, so the sum verifies under the group
	// public key without ever reconstructing the shared secret.
	AggregateThreshold(groupNonce curve.Point, partials []PartialSignature) ([]byte, error)
	// VerifyThreshold checks an aggregated threshold signature against the
	// group public key.
	VerifyThreshold(group curve.Curve, groupPublic curve.Point, msg, sig []byte) error

	// GenerateThresholdKeys runs a centralized dealer-based key generation
	// for a fresh k-of-n group, producing one share per participant 1..n
	// and the resulting group public key. Used by key-generation and
	// key-rotation ceremonies; the dealer never persists the shared secret
	// once shares have been distributed.
	GenerateThresholdKeys(group curve.Curve, threshold, total int) (ThresholdKeyGenResult, error)
}

// ThresholdKeyGenResult is the output of a completed key-generation or
// key-rotation ceremony: the group's public key and each participant's
// individual share, indexed 1..total in protocol participant order.
type ThresholdKeyGenResult struct {
	Group       curve.Curve
	GroupPublic curve.Point
	Shares      []ThresholdShare
}

type cryptoCapability struct{}

// NewCrypto returns the Crypto capability implementation shared by every
// run mode. There is nothing mode-specific about signature math itself;
// only the clock, RNG, transport, and storage vary between Production,
// Testing, and Simulation.
func NewCrypto() Crypto { return cryptoCapability{} }

func (cryptoCapability) GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

func (cryptoCapability) SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (cryptoCapability) VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pub, msg, sig) {
		return ErrVerificationFailed
	}
	return nil
}

func (cryptoCapability) GenerateNonce(share ThresholdShare) (ThresholdNonce, error) {
	k := sample.Scalar(rand.Reader, share.Group)
	return ThresholdNonce{Scalar: k, Point: k.ActOnBase()}, nil
}

func (cryptoCapability) SignPartial(share ThresholdShare, nonce ThresholdNonce, groupNonce, groupPublic curve.Point, lambda curve.Scalar, msg []byte) (PartialSignature, error) {
	group := share.Group
	challenge := challengeScalar(group, groupNonce, groupPublic, msg)

	// Scalar arithmetic mutates its receiver; clone every input the caller
	// still owns before combining.
	weighted := group.NewScalar().Set(lambda).Mul(share.Secret)
	s := group.NewScalar().Set(nonce.Scalar).Add(challenge.Mul(weighted))
	return PartialSignature{Signer: share.Self, Nonce: nonce.Point, Scalar: s}, nil
}

func (cryptoCapability) AggregateThreshold(groupNonce curve.Point, partials []PartialSignature) ([]byte, error) {
	if len(partials) == 0 {
		return nil, errors.New("effects: no partial signatures to aggregate")
	}

	group := groupNonce.Curve()
	total := group.NewScalar()
	for _, p := range partials {
		total.Add(p.Scalar)
	}

	return encodeSignature(groupNonce, total)
}

func (cryptoCapability) VerifyThreshold(group curve.Curve, groupPublic curve.Point, msg, sig []byte) error {
	noncePoint, s, err := decodeSignature(group, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	challenge := challengeScalar(group, noncePoint, groupPublic, msg)
	lhs := s.ActOnBase()
	rhs := noncePoint.Add(challenge.Act(groupPublic))
	if !lhs.Equal(rhs) {
		return ErrVerificationFailed
	}
	return nil
}

func (cryptoCapability) GenerateThresholdKeys(group curve.Curve, threshold, total int) (ThresholdKeyGenResult, error) {
	if threshold < 1 || threshold > total {
		return ThresholdKeyGenResult{}, fmt.Errorf("effects: invalid threshold %d for %d participants", threshold, total)
	}

	secret := sample.Scalar(rand.Reader, group)
	poly := polynomial.NewPolynomial(group, threshold-1, secret)
	groupPublic := secret.ActOnBase()

	shares := make([]ThresholdShare, total)
	for i := 1; i <= total; i++ {
		id := party.ID(strconv.Itoa(i))
		x := id.Scalar(group)
		shareSecret := poly.Evaluate(x)
		shares[i-1] = ThresholdShare{
			Group:  group,
			Self:   id,
			Secret: shareSecret,
			Public: shareSecret.ActOnBase(),
		}
	}

	return ThresholdKeyGenResult{Group: group, GroupPublic: groupPublic, Shares: shares}, nil
}

// challengeScalar derives the Fiat-Shamir challenge binding the round's
// aggregate nonce, the group public key, and the message, following the same
// transcript shape the reshare and FROST rounds use for their own commitment
// challenges. The digest is reduced into the scalar field via SetNat.
func challengeScalar(group curve.Curve, noncePoint, publicPoint curve.Point, msg []byte) curve.Scalar {
	h := sha256.New()
	h.Write(mustMarshal(noncePoint))
	h.Write(mustMarshal(publicPoint))
	h.Write(msg)
	digest := h.Sum(nil)

	return group.NewScalar().SetNat(new(saferith.Nat).SetBytes(digest))
}

func mustMarshal(m interface{ MarshalBinary() ([]byte, error) }) []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// encodeSignature serializes an aggregated threshold signature as a
// length-prefixed nonce point followed by the response scalar, so
// decodeSignature never has to assume a fixed curve-specific encoding size.
func encodeSignature(noncePoint curve.Point, s curve.Scalar) ([]byte, error) {
	nonceBytes, err := noncePoint.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("effects: marshal aggregate nonce: %w", err)
	}
	scalarBytes, err := s.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("effects: marshal aggregate scalar: %w", err)
	}

	out := make([]byte, 4+len(nonceBytes)+len(scalarBytes))
	binary.BigEndian.PutUint32(out[:4], uint32(len(nonceBytes)))
	copy(out[4:], nonceBytes)
	copy(out[4+len(nonceBytes):], scalarBytes)
	return out, nil
}

func decodeSignature(group curve.Curve, sig []byte) (curve.Point, curve.Scalar, error) {
	if len(sig) < 4 {
		return nil, nil, errors.New("signature too short")
	}
	nonceLen := int(binary.BigEndian.Uint32(sig[:4]))
	if len(sig) < 4+nonceLen {
		return nil, nil, errors.New("signature truncated")
	}

	noncePoint := group.NewPoint()
	if err := noncePoint.UnmarshalBinary(sig[4 : 4+nonceLen]); err != nil {
		return nil, nil, fmt.Errorf("unmarshal nonce: %w", err)
	}
	s := group.NewScalar()
	if err := s.UnmarshalBinary(sig[4+nonceLen:]); err != nil {
		return nil, nil, fmt.Errorf("unmarshal scalar: %w", err)
	}
	return noncePoint, s, nil
}
