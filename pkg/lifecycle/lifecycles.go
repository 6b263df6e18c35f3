// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/threshold/pkg/math/curve"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
)

// SignalComplete is the local signal the application layer feeds a
// lifecycle once its external prerequisites are in place.
const SignalComplete = "complete"

// CounterReservation reserves one or more counter values. The first step
// requests the reservation as an effect; the second observes it and yields
// the reserved values.
type CounterReservation struct {
	Session identifiers.ContextID
	Start   uint64
	Count   uint64

	requested bool
	done      bool
}

// CounterResult is the outcome of a counter reservation.
type CounterResult struct {
	Values []uint64
}

func (c *CounterReservation) Descriptor() Descriptor {
	return Descriptor{Name: "counter_reservation", SessionID: c.Session}
}

func (c *CounterReservation) Step(input Input, caps *effects.Capabilities) StepResult {
	if !c.requested {
		c.requested = true
		values := make([]uint64, c.Count)
		for i := range values {
			values[i] = c.Start + uint64(i)
		}
		return StepResult{Effects: []Effect{{Kind: EffectUpdateCounter, Values: values}}}
	}

	c.done = true
	values := make([]uint64, c.Count)
	for i := range values {
		values[i] = c.Start + uint64(i)
	}
	return StepResult{Outcome: &Outcome{Output: CounterResult{Values: values}}}
}

func (c *CounterReservation) IsFinal() bool { return c.done }

// Locking acquires an advisory lock name for a holder, yielding whether the
// acquisition succeeded. Lock state lives in the storage façade so every
// process sharing the store observes the same holder.
type Locking struct {
	Session identifiers.ContextID
	Name    string
	Holder  identifiers.DeviceID

	done bool
}

// LockResult is the outcome of a locking protocol.
type LockResult struct {
	Acquired bool
	Holder   string
}

func (l *Locking) Descriptor() Descriptor {
	return Descriptor{Name: "locking", SessionID: l.Session}
}

func (l *Locking) Step(input Input, caps *effects.Capabilities) StepResult {
	l.done = true
	key := storage.Key{Namespace: "lifecycle_locks", BaseKey: l.Name}

	existing, err := caps.Storage.Retrieve(storage.CapRead, key)
	if err == nil {
		holder := string(existing)
		if holder == l.Holder.String() {
			return StepResult{Outcome: &Outcome{Output: LockResult{Acquired: true, Holder: holder}}}
		}
		return StepResult{Outcome: &Outcome{Output: LockResult{Acquired: false, Holder: holder}}}
	}

	if err := caps.Storage.Store(storage.CapWrite, key, []byte(l.Holder.String())); err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: acquire lock %q: %w", l.Name, err)}}
	}
	return StepResult{Outcome: &Outcome{Output: LockResult{Acquired: true, Holder: l.Holder.String()}}}
}

func (l *Locking) IsFinal() bool { return l.done }

// DKD produces key material without a full ceremony: a fresh keypair on the
// signing curve, whose public key it yields. The key is neither derived from
// an authority's group key nor bound to the session context.
type DKD struct {
	Session identifiers.ContextID
	Group   curve.Curve

	done bool
}

// DKDResult is the outcome of a distributed key derivation.
type DKDResult struct {
	PublicKey []byte
}

func (d *DKD) Descriptor() Descriptor {
	return Descriptor{Name: "dkd", SessionID: d.Session}
}

func (d *DKD) Step(input Input, caps *effects.Capabilities) StepResult {
	d.done = true
	result, err := caps.Crypto.GenerateThresholdKeys(d.Group, 1, 1)
	if err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: dkd keygen: %w", err)}}
	}
	pub, err := result.GroupPublic.MarshalBinary()
	if err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: dkd marshal: %w", err)}}
	}
	return StepResult{Outcome: &Outcome{Output: DKDResult{PublicKey: pub}}}
}

func (d *DKD) IsFinal() bool { return d.done }

// Resharing deals fresh key material as a new k-of-n split, yielding the
// share count for the surrounding ceremony to distribute. An authority's
// existing key material is not used.
type Resharing struct {
	Session   identifiers.ContextID
	Group     curve.Curve
	Threshold int
	Total     int

	done bool
}

// ResharingResult is the outcome of a resharing protocol.
type ResharingResult struct {
	ShareCount int
	PublicKey  []byte
}

func (r *Resharing) Descriptor() Descriptor {
	return Descriptor{Name: "resharing", SessionID: r.Session}
}

func (r *Resharing) Step(input Input, caps *effects.Capabilities) StepResult {
	r.done = true
	result, err := caps.Crypto.GenerateThresholdKeys(r.Group, r.Threshold, r.Total)
	if err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: reshare keygen: %w", err)}}
	}
	pub, err := result.GroupPublic.MarshalBinary()
	if err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: reshare marshal: %w", err)}}
	}
	return StepResult{Outcome: &Outcome{Output: ResharingResult{ShareCount: len(result.Shares), PublicKey: pub}}}
}

func (r *Resharing) IsFinal() bool { return r.done }

// recoverySignal is the JSON the application delivers with the "complete"
// signal: which guardians approved the recovery.
type recoverySignal struct {
	Approvals []string `json:"approvals"`
}

// Recovery counts guardian approvals delivered with the completion signal
// against the recovery threshold.
type Recovery struct {
	Session   identifiers.ContextID
	Threshold int

	done bool
}

// RecoveryResult is the outcome of a recovery protocol.
type RecoveryResult struct {
	Approved  bool
	Approvals []string
}

func (r *Recovery) Descriptor() Descriptor {
	return Descriptor{Name: "recovery", SessionID: r.Session}
}

func (r *Recovery) Step(input Input, caps *effects.Capabilities) StepResult {
	if input.Signal != SignalComplete {
		return StepResult{}
	}
	r.done = true

	var signal recoverySignal
	if err := json.Unmarshal(input.Data, &signal); err != nil {
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: decode recovery signal: %w", err)}}
	}
	return StepResult{Outcome: &Outcome{Output: RecoveryResult{
		Approved:  len(signal.Approvals) >= r.Threshold,
		Approvals: signal.Approvals,
	}}}
}

func (r *Recovery) IsFinal() bool { return r.done }

// StorageOp discriminates the storage lifecycle's operation.
type StorageOp uint8

const (
	// StorageStore writes the value.
	StorageStore StorageOp = iota
	// StorageRetrieve reads the value back.
	StorageRetrieve
	// StorageDelete removes the value.
	StorageDelete
)

// Storage runs a single store/retrieve/delete operation against the
// lifecycle storage namespace.
type Storage struct {
	Session identifiers.ContextID
	Op      StorageOp
	Key     string
	Value   []byte

	done bool
}

// StorageResult is the outcome of a storage protocol.
type StorageResult struct {
	Value []byte
}

func (s *Storage) Descriptor() Descriptor {
	return Descriptor{Name: "storage", SessionID: s.Session}
}

func (s *Storage) Step(input Input, caps *effects.Capabilities) StepResult {
	s.done = true
	key := storage.Key{Namespace: "lifecycle_storage", BaseKey: s.Key}

	switch s.Op {
	case StorageStore:
		if err := caps.Storage.Store(storage.CapWrite, key, s.Value); err != nil {
			return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: store %q: %w", s.Key, err)}}
		}
		return StepResult{Outcome: &Outcome{Output: StorageResult{}}}
	case StorageRetrieve:
		value, err := caps.Storage.Retrieve(storage.CapRead, key)
		if err != nil {
			return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: retrieve %q: %w", s.Key, err)}}
		}
		return StepResult{Outcome: &Outcome{Output: StorageResult{Value: value}}}
	case StorageDelete:
		if err := caps.Storage.Delete(storage.CapDelete, key); err != nil {
			return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: delete %q: %w", s.Key, err)}}
		}
		return StepResult{Outcome: &Outcome{Output: StorageResult{}}}
	default:
		return StepResult{Outcome: &Outcome{Err: fmt.Errorf("lifecycle: unknown storage op %d", s.Op)}}
	}
}

func (s *Storage) IsFinal() bool { return s.done }
