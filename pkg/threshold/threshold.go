// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package threshold implements the unified threshold signing service: the
// single point of contact for every cryptographic signing operation in this
// module, whether that is a lone device's 1-of-1 Ed25519 fast path or a
// k-of-n FROST-style aggregate signature collected from several devices or
// guardian authorities.
//
// Key material never lives in this package's in-memory state; it is always
// addressed through the storage façade. The in-memory state only tracks
// which epoch, threshold configuration, and participant set is currently
// active for an authority, and the coordinator leases that fence concurrent
// ceremony coordinators.
package threshold

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/threshold/pkg/math/polynomial"
	"github.com/luxfi/threshold/pkg/party"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
)

// SigningMode selects between the 1-of-1 Ed25519 fast path and the k-of-n
// threshold path.
type SigningMode uint8

const (
	// SigningModeSingleSigner signs directly with a device's own Ed25519 key.
	SigningModeSingleSigner SigningMode = iota
	// SigningModeThreshold aggregates partial signatures from a quorum of
	// participant shares.
	SigningModeThreshold
)

// AgreementMode records how firmly an authority's current epoch has been
// agreed on: A1 optimistic, A2 coordinator-fenced, A3 consensus-finalized.
type AgreementMode uint8

const (
	// AgreementProvisional (A1) is the optimistic default before any
	// coordinator or consensus confirmation has been recorded.
	AgreementProvisional AgreementMode = iota
	// AgreementCoordinatorSoftSafe (A2) means a coordinator lease fenced the
	// operation but no cross-authority consensus has finalized it yet.
	AgreementCoordinatorSoftSafe
	// AgreementConsensusFinalized (A3) means the operation has converged
	// under full cross-authority agreement and is now irreversible.
	AgreementConsensusFinalized
)

var (
	// ErrNotFound is returned when an authority has no signing context.
	ErrNotFound = errors.New("threshold: authority context not found")
	// ErrNotParticipant is returned by Sign when the local device holds no
	// share for the authority being signed for.
	ErrNotParticipant = errors.New("threshold: device is not a participant for this authority")
	// ErrInvalidConfig is returned when a threshold/total pair is malformed.
	ErrInvalidConfig = errors.New("threshold: invalid configuration")
	// ErrLeaseNotMonotonic is returned when a coordinator lease is acquired
	// with a coord_epoch that does not strictly exceed the existing lease.
	ErrLeaseNotMonotonic = errors.New("threshold: coordinator lease must advance monotonically")
	// ErrLeaseMissing is returned when emitting a convergence cert or
	// reversion fact for a coordinator with no active lease.
	ErrLeaseMissing = errors.New("threshold: coordinator lease missing")
	// ErrInsufficientShares is returned by the local threshold signing path
	// when fewer local shares are available than the configured threshold.
	ErrInsufficientShares = errors.New("threshold: insufficient local shares for threshold signing")
)

// Config is a k-of-n threshold configuration.
type Config struct {
	Threshold         uint16
	TotalParticipants uint16
}

// NewConfig validates and builds a Config.
func NewConfig(threshold, total uint16) (Config, error) {
	if threshold == 0 {
		return Config{}, fmt.Errorf("%w: threshold must be nonzero", ErrInvalidConfig)
	}
	if threshold > total {
		return Config{}, fmt.Errorf("%w: threshold %d exceeds total %d", ErrInvalidConfig, threshold, total)
	}
	return Config{Threshold: threshold, TotalParticipants: total}, nil
}

// State is the externally observable signing state for an authority.
type State struct {
	Epoch             uint64
	Threshold         uint16
	TotalParticipants uint16
	Participants      []identifiers.ParticipantIdentity
	AgreementMode     AgreementMode
}

// CoordinatorLease is a monotonic fencing token held by whichever device is
// currently coordinating a ceremony for an authority.
type CoordinatorLease struct {
	CoordEpoch uint64
	IssuedAtMs int64
}

// ConvergenceCert attests that a coordinator-soft-safe operation has been
// acknowledged by enough of the authority set to be treated as converged.
type ConvergenceCert struct {
	Context      identifiers.ContextID
	OpID         [32]byte
	PrestateHash [32]byte
	CoordEpoch   uint64
	AckSet       []identifiers.AuthorityID
	Window       uint64
}

// ReversionFact attests that a coordinator-soft-safe operation lost a race
// against a competing operation and must be treated as reverted.
type ReversionFact struct {
	Context    identifiers.ContextID
	OpID       [32]byte
	WinnerOpID [32]byte
	CoordEpoch uint64
}

// SigningContext binds a message to the authority that must sign it and the
// reason the signature is being requested, for audit logging.
type SigningContext struct {
	Authority identifiers.AuthorityID
	Message   []byte
	Reason    ApprovalReason
}

// ApprovalReason classifies why a signature is being requested, mirroring
// the audit-log branches every signing call passes through.
type ApprovalReason uint8

const (
	// ApprovalSelfOperation is a device signing its own authority's operation.
	ApprovalSelfOperation ApprovalReason = iota
	// ApprovalRecoveryAssistance is a guardian signing to help another
	// authority recover.
	ApprovalRecoveryAssistance
	// ApprovalGroupDecision is a device signing on behalf of a shared group
	// authority.
	ApprovalGroupDecision
	// ApprovalElevatedOperation is a higher-risk operation requiring extra
	// audit visibility.
	ApprovalElevatedOperation
)

// Signature is the result of a completed signing operation.
type Signature struct {
	Bytes            []byte
	SignerCount      uint16
	ParticipantIDs   []uint16
	PublicKeyPackage []byte
	Epoch            uint64
}

// signingContextState is the in-memory, per-authority bookkeeping the
// service keeps; key material itself always lives behind the storage
// façade.
type signingContextState struct {
	config           Config
	mySignerIndex    *uint16
	epoch            uint64
	publicKeyPackage []byte
	mode             SigningMode
	participants     []identifiers.ParticipantIdentity
	agreementMode    AgreementMode
}

func (s signingContextState) clone() signingContextState {
	out := s
	out.participants = append([]identifiers.ParticipantIdentity(nil), s.participants...)
	out.publicKeyPackage = append([]byte(nil), s.publicKeyPackage...)
	if s.mySignerIndex != nil {
		idx := *s.mySignerIndex
		out.mySignerIndex = &idx
	}
	return out
}

type serviceState struct {
	contexts map[string]signingContextState
	leases   map[string]CoordinatorLease
}

func newServiceState() *serviceState {
	return &serviceState{
		contexts: make(map[string]signingContextState),
		leases:   make(map[string]CoordinatorLease),
	}
}

func (s *serviceState) clone() *serviceState {
	out := newServiceState()
	for k, v := range s.contexts {
		out.contexts[k] = v.clone()
	}
	for k, v := range s.leases {
		out.leases[k] = v
	}
	return out
}

// validate enforces the same invariants the original threshold signing
// state kept: no zero threshold, threshold never exceeds total, the
// participant set's size matches total, signer indices are in range and
// unique, and every context has a public key package on file.
func (s *serviceState) validate() error {
	for authority, ctx := range s.contexts {
		if ctx.config.Threshold == 0 {
			return fmt.Errorf("authority %s has zero threshold", authority)
		}
		if ctx.config.Threshold > ctx.config.TotalParticipants {
			return fmt.Errorf("authority %s threshold %d exceeds total %d", authority, ctx.config.Threshold, ctx.config.TotalParticipants)
		}
		if len(ctx.participants) != int(ctx.config.TotalParticipants) {
			return fmt.Errorf("authority %s participant count %d does not match total %d", authority, len(ctx.participants), ctx.config.TotalParticipants)
		}
		if ctx.mySignerIndex != nil {
			idx := *ctx.mySignerIndex
			if idx == 0 || idx > ctx.config.TotalParticipants {
				return fmt.Errorf("authority %s signer index %d out of bounds", authority, idx)
			}
		}
		if len(ctx.publicKeyPackage) == 0 {
			return fmt.Errorf("authority %s missing public key package", authority)
		}
		seen := make(map[string]struct{}, len(ctx.participants))
		for _, p := range ctx.participants {
			if _, ok := seen[p.StorageKey()]; ok {
				return fmt.Errorf("authority %s has duplicate participants", authority)
			}
			seen[p.StorageKey()] = struct{}{}
		}
	}
	return nil
}

// Service is the unified threshold signing service.
type Service struct {
	caps     *effects.Capabilities
	group    curve.Curve
	deviceID identifiers.DeviceID

	mu    sync.RWMutex
	state *serviceState
}

// NewService builds a threshold signing service over the given capability
// bundle. group fixes the elliptic curve every threshold signing context on
// this service operates over; self is this device's own identity, used to
// determine whether a newly committed epoch makes this device a
// participant.
func NewService(caps *effects.Capabilities, group curve.Curve, self identifiers.DeviceID) *Service {
	return &Service{
		caps:     caps,
		group:    group,
		deviceID: self,
		state:    newServiceState(),
	}
}

// withValidated applies mutate to a clone of the service's state and, only
// if the result passes validate, installs it as the new state. This mirrors
// the "mutate, then validate before the change becomes visible" discipline
// the signing state keeps so a single bad write can never be observed by a
// concurrent reader.
func withValidated[T any](svc *Service, mutate func(*serviceState) (T, error)) (T, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var zero T
	next := svc.state.clone()
	result, err := mutate(next)
	if err != nil {
		return zero, err
	}
	if err := next.validate(); err != nil {
		return zero, fmt.Errorf("threshold: state invariant violated: %w", err)
	}
	svc.state = next
	return result, nil
}

func authorityKey(authority identifiers.AuthorityID) string { return authority.String() }

// BootstrapAuthority provisions a brand-new authority at epoch 0 with a
// 1-of-1 Ed25519 signing key: the fast path every authority starts on before
// its first guardian or multi-device key-rotation ceremony.
func (svc *Service) BootstrapAuthority(authority identifiers.AuthorityID) ([]byte, error) {
	pub, priv, err := svc.caps.Crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("threshold: bootstrap keygen: %w", err)
	}

	const epoch uint64 = 0
	participant := identifiers.Guardian(authority)

	if err := svc.storeBytes(storage.Key{Namespace: "signing_keys", BaseKey: fmt.Sprintf("%s/%d", authority, epoch), SubKey: "1"}, priv); err != nil {
		return nil, fmt.Errorf("threshold: store signing key: %w", err)
	}
	if err := svc.storeBytes(storage.Key{Namespace: "participant_shares", BaseKey: fmt.Sprintf("%s/%d", authority, epoch), SubKey: participant.StorageKey()}, priv); err != nil {
		return nil, fmt.Errorf("threshold: store participant share: %w", err)
	}
	if err := svc.storeBytes(storage.Key{Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", epoch)}, pub); err != nil {
		return nil, fmt.Errorf("threshold: store public key package: %w", err)
	}

	cfg := configMetadata{
		ThresholdK:    1,
		TotalN:        1,
		Participants:  []identifiers.ParticipantIdentity{participant},
		Mode:          SigningModeSingleSigner,
		AgreementMode: AgreementProvisional,
	}
	if err := svc.storeConfigMetadata(authority, epoch, cfg); err != nil {
		return nil, err
	}
	if err := svc.storeEpochState(authority, epoch); err != nil {
		return nil, err
	}

	signerIndex := uint16(1)
	_, err = withValidated(svc, func(s *serviceState) (struct{}, error) {
		s.contexts[authorityKey(authority)] = signingContextState{
			config:           Config{Threshold: 1, TotalParticipants: 1},
			mySignerIndex:    &signerIndex,
			epoch:            epoch,
			publicKeyPackage: pub,
			mode:             SigningModeSingleSigner,
			participants:     []identifiers.ParticipantIdentity{participant},
			agreementMode:    AgreementProvisional,
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (svc *Service) storeBytes(key storage.Key, value []byte) error {
	return svc.caps.Storage.Store(storage.CapFull, key, value)
}

// storeEpochState records authority's currently active epoch as 8 bytes of
// little-endian u64 under epoch_state/<authority>, the durable side of the
// in-memory context's epoch field.
func (svc *Service) storeEpochState(authority identifiers.AuthorityID, epoch uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], epoch)
	key := storage.Key{Namespace: "epoch_state", BaseKey: authority.String()}
	if err := svc.storeBytes(key, b[:]); err != nil {
		return fmt.Errorf("threshold: store epoch state: %w", err)
	}
	return nil
}

// ActiveEpochFromStorage reads the durably recorded active epoch for
// authority, for callers recovering after a restart before any in-memory
// context has been rebuilt.
func (svc *Service) ActiveEpochFromStorage(authority identifiers.AuthorityID) (uint64, error) {
	key := storage.Key{Namespace: "epoch_state", BaseKey: authority.String()}
	raw, err := svc.caps.Storage.Retrieve(storage.CapRead, key)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: epoch_state/%s is %d bytes, want 8", storage.ErrCorrupt, authority, len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// configMetadata is persisted alongside key material so commit_key_rotation
// can recover the full configuration after a ceremony completes, without
// depending on any in-memory state surviving a restart.
type configMetadata struct {
	ThresholdK    uint16                            `json:"threshold_k"`
	TotalN        uint16                            `json:"total_n"`
	Participants  []identifiers.ParticipantIdentity `json:"participants"`
	Mode          SigningMode                       `json:"mode"`
	AgreementMode AgreementMode                     `json:"agreement_mode"`
}

// legacyThresholdMetadata is the shape an older code path stored threshold
// configuration under before this service's own "threshold_config" key
// existed. commit_key_rotation falls back to it and upgrades it in place.
type legacyThresholdMetadata struct {
	Threshold         uint16                            `json:"threshold"`
	TotalParticipants uint16                            `json:"total_participants"`
	Participants      []identifiers.ParticipantIdentity `json:"participants"`
	AgreementMode     AgreementMode                     `json:"agreement_mode"`
}

func (svc *Service) storeConfigMetadata(authority identifiers.AuthorityID, epoch uint64, cfg configMetadata) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("threshold: marshal threshold config: %w", err)
	}
	key := storage.Key{Namespace: "threshold_config", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", epoch)}
	if err := svc.storeBytes(key, b); err != nil {
		return fmt.Errorf("threshold: store threshold config: %w", err)
	}
	return nil
}

// Sign signs message for authority, using the 1-of-1 Ed25519 fast path when
// the configured threshold is 1, or aggregating local shares otherwise.
func (svc *Service) Sign(sctx SigningContext) (Signature, error) {
	svc.mu.RLock()
	ctx, ok := svc.state.contexts[authorityKey(sctx.Authority)]
	svc.mu.RUnlock()
	if !ok {
		return Signature{}, fmt.Errorf("%w: %s", ErrNotFound, sctx.Authority)
	}
	if ctx.mySignerIndex == nil {
		return Signature{}, ErrNotParticipant
	}

	if ctx.config.Threshold == 1 {
		return svc.signSolo(sctx.Authority, sctx.Message, ctx)
	}
	return svc.signThresholdLocal(sctx.Authority, sctx.Message, ctx)
}

func (svc *Service) signSolo(authority identifiers.AuthorityID, message []byte, ctx signingContextState) (Signature, error) {
	key := storage.Key{Namespace: "signing_keys", BaseKey: fmt.Sprintf("%s/%d", authority, ctx.epoch), SubKey: "1"}
	priv, err := svc.caps.Storage.Retrieve(storage.CapFull, key)
	if err != nil {
		return Signature{}, fmt.Errorf("threshold: load key package: %w", err)
	}

	sig := svc.caps.Crypto.SignEd25519(priv, message)
	return Signature{
		Bytes:            sig,
		SignerCount:      1,
		ParticipantIDs:   []uint16{1},
		PublicKeyPackage: ctx.publicKeyPackage,
		Epoch:            ctx.epoch,
	}, nil
}

func (svc *Service) signThresholdLocal(authority identifiers.AuthorityID, message []byte, ctx signingContextState) (Signature, error) {
	var signers []effects.ThresholdShare
	var missing []string
	for _, participant := range ctx.participants {
		key := storage.Key{Namespace: "participant_shares", BaseKey: fmt.Sprintf("%s/%d", authority, ctx.epoch), SubKey: participant.StorageKey()}
		raw, err := svc.caps.Storage.Retrieve(storage.CapRead, key)
		if err != nil {
			missing = append(missing, participant.DebugLabel())
			continue
		}
		share, err := DecodeShare(svc.group, raw)
		if err != nil {
			return Signature{}, fmt.Errorf("threshold: decode share for %s: %w", participant.DebugLabel(), err)
		}
		signers = append(signers, share)
	}

	if len(signers) < int(ctx.config.Threshold) {
		return Signature{}, fmt.Errorf("%w: need %d, have %d, missing: %v", ErrInsufficientShares, ctx.config.Threshold, len(signers), missing)
	}

	sort.Slice(signers, func(i, j int) bool { return signers[i].Self < signers[j].Self })

	signerIDs := make([]party.ID, len(signers))
	for i, share := range signers {
		signerIDs[i] = share.Self
	}
	lagrange := polynomial.Lagrange(svc.group, signerIDs)

	// One nonce per signer, all committed before any partial is computed,
	// so every partial binds the same aggregate nonce.
	nonces := make([]effects.ThresholdNonce, len(signers))
	groupNonce := svc.group.NewPoint()
	for i, share := range signers {
		nonce, err := svc.caps.Crypto.GenerateNonce(share)
		if err != nil {
			return Signature{}, fmt.Errorf("threshold: generate nonce: %w", err)
		}
		nonces[i] = nonce
		groupNonce = groupNonce.Add(nonce.Point)
	}

	groupPublic, err := DecodePoint(svc.group, ctx.publicKeyPackage)
	if err != nil {
		return Signature{}, fmt.Errorf("threshold: decode group public key: %w", err)
	}

	partials := make([]effects.PartialSignature, 0, len(signers))
	for i, share := range signers {
		lambda, ok := lagrange[share.Self]
		if !ok {
			return Signature{}, fmt.Errorf("threshold: no interpolation coefficient for signer %s", share.Self)
		}
		partial, err := svc.caps.Crypto.SignPartial(share, nonces[i], groupNonce, groupPublic, lambda, message)
		if err != nil {
			return Signature{}, fmt.Errorf("threshold: sign partial: %w", err)
		}
		partials = append(partials, partial)
	}

	sig, err := svc.caps.Crypto.AggregateThreshold(groupNonce, partials)
	if err != nil {
		return Signature{}, fmt.Errorf("threshold: aggregate signatures: %w", err)
	}

	ids := make([]uint16, len(signers))
	for i, share := range signers {
		n, err := strconv.ParseUint(string(share.Self), 10, 16)
		if err != nil {
			// Signer ids outside the 1..n dealer numbering keep positional
			// numbering in the result.
			n = uint64(i + 1)
		}
		ids[i] = uint16(n)
	}

	return Signature{
		Bytes:            sig,
		SignerCount:      uint16(len(signers)),
		ParticipantIDs:   ids,
		PublicKeyPackage: ctx.publicKeyPackage,
		Epoch:            ctx.epoch,
	}, nil
}

// ThresholdConfigFor returns the active configuration for authority, if any.
func (svc *Service) ThresholdConfigFor(authority identifiers.AuthorityID) (Config, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ctx, ok := svc.state.contexts[authorityKey(authority)]
	if !ok {
		return Config{}, false
	}
	return ctx.config, true
}

// ThresholdStateFor returns the active state for authority, if any.
func (svc *Service) ThresholdStateFor(authority identifiers.AuthorityID) (State, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ctx, ok := svc.state.contexts[authorityKey(authority)]
	if !ok {
		return State{}, false
	}
	return State{
		Epoch:             ctx.epoch,
		Threshold:         ctx.config.Threshold,
		TotalParticipants: ctx.config.TotalParticipants,
		Participants:      append([]identifiers.ParticipantIdentity(nil), ctx.participants...),
		AgreementMode:     ctx.agreementMode,
	}, true
}

// HasSigningCapability reports whether this device holds a share for authority.
func (svc *Service) HasSigningCapability(authority identifiers.AuthorityID) bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ctx, ok := svc.state.contexts[authorityKey(authority)]
	return ok && ctx.mySignerIndex != nil
}

// PublicKeyPackage returns the active public key package for authority.
func (svc *Service) PublicKeyPackage(authority identifiers.AuthorityID) ([]byte, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ctx, ok := svc.state.contexts[authorityKey(authority)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), ctx.publicKeyPackage...), true
}

// SetAgreementMode updates the agreement mode for authority's active epoch.
func (svc *Service) SetAgreementMode(authority identifiers.AuthorityID, mode AgreementMode) error {
	_, err := withValidated(svc, func(s *serviceState) (struct{}, error) {
		ctx, ok := s.contexts[authorityKey(authority)]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", ErrNotFound, authority)
		}
		ctx.agreementMode = mode
		s.contexts[authorityKey(authority)] = ctx
		return struct{}{}, nil
	})
	return err
}

// AcquireCoordinatorLease acquires or advances the fencing token for
// authority's ceremony coordinator. coordEpoch must strictly exceed any
// previously issued lease's coord_epoch.
func (svc *Service) AcquireCoordinatorLease(authority identifiers.AuthorityID, coordEpoch uint64) (CoordinatorLease, error) {
	now := svc.caps.Clock.Now().UnixMilli()
	lease := CoordinatorLease{CoordEpoch: coordEpoch, IssuedAtMs: now}

	return withValidated(svc, func(s *serviceState) (CoordinatorLease, error) {
		if existing, ok := s.leases[authorityKey(authority)]; ok {
			if coordEpoch <= existing.CoordEpoch {
				return CoordinatorLease{}, ErrLeaseNotMonotonic
			}
		}
		s.leases[authorityKey(authority)] = lease
		return lease, nil
	})
}

// EmitConvergenceCert builds a certificate attesting that a coordinator-
// soft-safe operation has converged, bound to the coordinator's current
// lease epoch.
func (svc *Service) EmitConvergenceCert(context identifiers.ContextID, coordinator identifiers.AuthorityID, opID, prestateHash [32]byte, ackSet []identifiers.AuthorityID, window uint64) (ConvergenceCert, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	lease, ok := svc.state.leases[authorityKey(coordinator)]
	if !ok {
		return ConvergenceCert{}, ErrLeaseMissing
	}
	return ConvergenceCert{
		Context:      context,
		OpID:         opID,
		PrestateHash: prestateHash,
		CoordEpoch:   lease.CoordEpoch,
		AckSet:       ackSet,
		Window:       window,
	}, nil
}

// EmitReversionFact builds a fact attesting that a coordinator-soft-safe
// operation lost a race and must be reverted.
func (svc *Service) EmitReversionFact(context identifiers.ContextID, coordinator identifiers.AuthorityID, opID, winnerOpID [32]byte) (ReversionFact, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	lease, ok := svc.state.leases[authorityKey(coordinator)]
	if !ok {
		return ReversionFact{}, ErrLeaseMissing
	}
	return ReversionFact{
		Context:    context,
		OpID:       opID,
		WinnerOpID: winnerOpID,
		CoordEpoch: lease.CoordEpoch,
	}, nil
}

// RotateKeys generates a fresh key-generation result for a new epoch and
// stages it in storage, without yet making it the active epoch. The
// ceremony layer calls CommitKeyRotation once the ceremony's acceptance
// threshold of participants has acknowledged the new key material, or
// RollbackKeyRotation if the ceremony fails.
func (svc *Service) RotateKeys(authority identifiers.AuthorityID, newThreshold, newTotal uint16, participants []identifiers.ParticipantIdentity) (uint64, [][]byte, []byte, error) {
	if len(participants) != int(newTotal) {
		return 0, nil, nil, fmt.Errorf("%w: participant count %d must match total %d", ErrInvalidConfig, len(participants), newTotal)
	}

	svc.mu.RLock()
	currentEpoch := uint64(0)
	if ctx, ok := svc.state.contexts[authorityKey(authority)]; ok {
		currentEpoch = ctx.epoch
	}
	svc.mu.RUnlock()
	newEpoch := currentEpoch + 1

	mode := SigningModeThreshold
	if newThreshold < 2 {
		mode = SigningModeSingleSigner
	}

	result, err := svc.caps.Crypto.GenerateThresholdKeys(svc.group, int(newThreshold), int(newTotal))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("threshold: key generation: %w", err)
	}

	keyPackages := make([][]byte, len(participants))
	for i, participant := range participants {
		encoded, err := EncodeShare(result.Shares[i])
		if err != nil {
			return 0, nil, nil, fmt.Errorf("threshold: encode share for %s: %w", participant.DebugLabel(), err)
		}
		keyPackages[i] = encoded

		key := storage.Key{Namespace: "participant_shares", BaseKey: fmt.Sprintf("%s/%d", authority, newEpoch), SubKey: participant.StorageKey()}
		if err := svc.storeBytes(key, encoded); err != nil {
			return 0, nil, nil, fmt.Errorf("threshold: store share for %s: %w", participant.DebugLabel(), err)
		}
	}

	publicKeyPackage, err := result.GroupPublic.MarshalBinary()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("threshold: marshal group public key: %w", err)
	}
	pubkeyKey := storage.Key{Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", newEpoch)}
	if err := svc.storeBytes(pubkeyKey, publicKeyPackage); err != nil {
		return 0, nil, nil, fmt.Errorf("threshold: store public key package: %w", err)
	}

	cfg := configMetadata{
		ThresholdK:    newThreshold,
		TotalN:        newTotal,
		Participants:  participants,
		Mode:          mode,
		AgreementMode: AgreementCoordinatorSoftSafe,
	}
	if err := svc.storeConfigMetadata(authority, newEpoch, cfg); err != nil {
		return 0, nil, nil, err
	}

	return newEpoch, keyPackages, publicKeyPackage, nil
}

// CommitKeyRotation makes newEpoch the active epoch for authority, loading
// the staged public key package and configuration RotateKeys wrote. If the
// current "threshold_config" record is missing, it falls back to a legacy
// "threshold_metadata" record and upgrades it to the current shape in
// place, since an older code path wrote configuration there.
func (svc *Service) CommitKeyRotation(authority identifiers.AuthorityID, newEpoch uint64) error {
	pubkeyKey := storage.Key{Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", newEpoch)}
	publicKeyPackage, err := svc.caps.Storage.Retrieve(storage.CapFull, pubkeyKey)
	if err != nil {
		return fmt.Errorf("threshold: load public key package for epoch %d: %w", newEpoch, err)
	}

	cfg, err := svc.loadOrUpgradeConfigMetadata(authority, newEpoch)
	if err != nil {
		return err
	}

	if cfg.AgreementMode != AgreementConsensusFinalized {
		cfg.AgreementMode = AgreementConsensusFinalized
		if err := svc.storeConfigMetadata(authority, newEpoch, cfg); err != nil {
			return fmt.Errorf("threshold: update threshold config for epoch %d: %w", newEpoch, err)
		}
	}

	newConfig, err := NewConfig(cfg.ThresholdK, cfg.TotalN)
	if err != nil {
		return fmt.Errorf("threshold: invalid committed config: %w", err)
	}

	if err := svc.storeEpochState(authority, newEpoch); err != nil {
		return err
	}

	_, err = withValidated(svc, func(s *serviceState) (struct{}, error) {
		mySignerIndex := resolveSignerIndex(cfg.Participants, svc.deviceID)
		s.contexts[authorityKey(authority)] = signingContextState{
			config:           newConfig,
			mySignerIndex:    mySignerIndex,
			epoch:            newEpoch,
			publicKeyPackage: publicKeyPackage,
			mode:             cfg.Mode,
			participants:     cfg.Participants,
			agreementMode:    cfg.AgreementMode,
		}
		return struct{}{}, nil
	})
	return err
}

func resolveSignerIndex(participants []identifiers.ParticipantIdentity, self identifiers.DeviceID) *uint16 {
	for i, p := range participants {
		if device, ok := p.AsDevice(); ok && device.String() == self.String() {
			idx := uint16(i + 1)
			return &idx
		}
	}
	return nil
}

func (svc *Service) loadOrUpgradeConfigMetadata(authority identifiers.AuthorityID, epoch uint64) (configMetadata, error) {
	key := storage.Key{Namespace: "threshold_config", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", epoch)}
	raw, err := svc.caps.Storage.Retrieve(storage.CapFull, key)
	if err == nil {
		var cfg configMetadata
		if jsonErr := json.Unmarshal(raw, &cfg); jsonErr != nil {
			return configMetadata{}, fmt.Errorf("threshold: decode threshold config: %w", jsonErr)
		}
		return cfg, nil
	}

	legacyKey := storage.Key{Namespace: "threshold_metadata", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", epoch)}
	legacyRaw, legacyErr := svc.caps.Storage.Retrieve(storage.CapFull, legacyKey)
	if legacyErr != nil {
		return configMetadata{}, fmt.Errorf("threshold: load threshold metadata for epoch %d: %w", epoch, err)
	}

	var legacy legacyThresholdMetadata
	if jsonErr := json.Unmarshal(legacyRaw, &legacy); jsonErr != nil {
		return configMetadata{}, fmt.Errorf("threshold: decode legacy threshold metadata: %w", jsonErr)
	}
	mode := SigningModeThreshold
	if legacy.Threshold < 2 {
		mode = SigningModeSingleSigner
	}
	upgraded := configMetadata{
		ThresholdK:    legacy.Threshold,
		TotalN:        legacy.TotalParticipants,
		Participants:  legacy.Participants,
		Mode:          mode,
		AgreementMode: legacy.AgreementMode,
	}
	// Best-effort: persist the upgraded record so future lookups hit the
	// current key directly. Failure here does not block the commit.
	_ = svc.storeConfigMetadata(authority, epoch, upgraded)
	return upgraded, nil
}

// RollbackKeyRotation deletes the staged key material for a failed-epoch
// ceremony. The in-memory active context is never updated until
// CommitKeyRotation succeeds, so there is nothing to roll back there.
func (svc *Service) RollbackKeyRotation(authority identifiers.AuthorityID, failedEpoch uint64) error {
	configKey := storage.Key{Namespace: "threshold_config", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", failedEpoch)}
	pubkeyKey := storage.Key{Namespace: "threshold_pubkey", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", failedEpoch)}
	legacyKey := storage.Key{Namespace: "threshold_metadata", BaseKey: authority.String(), SubKey: fmt.Sprintf("%d", failedEpoch)}
	_ = svc.caps.Storage.Delete(storage.CapFull, pubkeyKey)
	_ = svc.caps.Storage.Delete(storage.CapFull, configKey)
	_ = svc.caps.Storage.Delete(storage.CapFull, legacyKey)

	shareBase := fmt.Sprintf("%s/%d", authority, failedEpoch)
	subKeys, err := svc.caps.Storage.ListKeys(storage.CapRead, "participant_shares", shareBase)
	if err != nil {
		return nil
	}
	for _, sub := range subKeys {
		shareKey := storage.Key{Namespace: "participant_shares", BaseKey: shareBase, SubKey: sub}
		_ = svc.caps.Storage.Delete(storage.CapFull, shareKey)
	}
	return nil
}
