// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ceremony implements the per-ceremony durable state tracker (C4)
// and the ceremony runner (C5): the multi-party session state machine that
// records participant responses, detects when a ceremony has reached its
// signing threshold, and drives the commit transition.
package ceremony

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
)

// Status is a ceremony's lifecycle stage. Status only ever advances forward
// through this order; nothing in this package moves it backwards.
type Status uint8

const (
	// StatusPending is the initial state: not enough responses recorded yet.
	StatusPending Status = iota
	// StatusThresholdReached means enough participants have responded but
	// the runner has not yet issued the commit broadcast.
	StatusThresholdReached
	// StatusCommitted is the terminal success state.
	StatusCommitted
	// StatusFailed is a terminal failure state, set by callers that give up
	// on a ceremony explicitly; nothing in this package sets it itself.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusThresholdReached:
		return "threshold_reached"
	case StatusCommitted:
		return "committed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// rank orders Status values so State.validate can enforce monotonic advance.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusThresholdReached:
		return 1
	case StatusCommitted:
		return 2
	case StatusFailed:
		return 3
	default:
		return -1
	}
}

var (
	// ErrUnknownCeremony is returned by any operation addressing a ceremony
	// id the tracker has never seen.
	ErrUnknownCeremony = errors.New("ceremony: unknown ceremony id")
	// ErrUnknownParticipant is returned when recording a response from a
	// participant not in the ceremony's participant set.
	ErrUnknownParticipant = errors.New("ceremony: participant not part of this ceremony")
	// ErrInvalidState is returned when an update would violate a
	// CeremonyState invariant: responses not a subset of participants, or
	// status regressing.
	ErrInvalidState = errors.New("ceremony: invalid ceremony state transition")
	// ErrAlreadyExists is returned by Create when a ceremony id is reused.
	ErrAlreadyExists = errors.New("ceremony: ceremony id already tracked")
	// ErrThresholdNotReached is returned by Commit when called before the
	// runner has observed the configured threshold.
	ErrThresholdNotReached = errors.New("ceremony: threshold not yet reached")
)

// State is the durable per-ceremony record.
type State struct {
	Participants                 []identifiers.ParticipantIdentity
	Responses                    []identifiers.ParticipantIdentity
	Threshold                    uint16
	NewEpoch                     uint64
	EnrollmentDeviceID           *identifiers.DeviceID
	EnrollmentNicknameSuggestion *string
	Status                       Status
}

func (s State) clone() State {
	out := s
	out.Participants = append([]identifiers.ParticipantIdentity(nil), s.Participants...)
	out.Responses = append([]identifiers.ParticipantIdentity(nil), s.Responses...)
	return out
}

func (s State) hasParticipant(p identifiers.ParticipantIdentity) bool {
	for _, existing := range s.Participants {
		if existing.Equal(p) {
			return true
		}
	}
	return false
}

func (s State) hasResponse(p identifiers.ParticipantIdentity) bool {
	for _, existing := range s.Responses {
		if existing.Equal(p) {
			return true
		}
	}
	return false
}

// validate enforces the CeremonyState invariants: responses is a subset of
// participants, and status only ever increases.
func (s State) validate(prev *State) error {
	for _, r := range s.Responses {
		if !s.hasParticipant(r) {
			return fmt.Errorf("%w: response %s not in participant set", ErrInvalidState, r.DebugLabel())
		}
	}
	if prev != nil && s.Status.rank() < prev.Status.rank() {
		return fmt.Errorf("%w: status regressed from %s to %s", ErrInvalidState, prev.Status, s.Status)
	}
	return nil
}

// Tracker is a key-value mapping CeremonyId -> CeremonyState. Every
// UpdateAtomic revalidates the resulting state before it becomes visible to
// other readers, matching the same "mutate then validate" discipline
// pkg/threshold uses for SigningContextState. A tracker built with
// NewPersistentTracker additionally mirrors every accepted state to the
// storage façade, so a restarted node can pick committed ceremonies back up
// for audit.
type Tracker struct {
	mu      sync.RWMutex
	store   map[string]State
	durable storage.Facade
}

// NewTracker returns an empty in-memory ceremony tracker.
func NewTracker() *Tracker {
	return &Tracker{store: make(map[string]State)}
}

// NewPersistentTracker returns a tracker that mirrors accepted states into
// durable, under ceremony_state/<ceremony-id>, and reloads whatever is
// already recorded there.
func NewPersistentTracker(durable storage.Facade) (*Tracker, error) {
	t := &Tracker{store: make(map[string]State), durable: durable}

	ids, err := durable.ListKeys(storage.CapRead, stateNamespace, "")
	if err != nil {
		return nil, fmt.Errorf("ceremony: list persisted ceremonies: %w", err)
	}
	for _, id := range ids {
		raw, err := durable.Retrieve(storage.CapRead, storage.Key{Namespace: stateNamespace, SubKey: id})
		if err != nil {
			return nil, fmt.Errorf("ceremony: load persisted ceremony %q: %w", id, err)
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: ceremony %q: %v", storage.ErrCorrupt, id, err)
		}
		t.store[id] = s
	}
	return t, nil
}

const stateNamespace = "ceremony_state"

// persistLocked mirrors the accepted state for id. Persistence failure
// fails the mutation: a state the disk never saw must not become visible.
func (t *Tracker) persistLocked(id string, s State) error {
	if t.durable == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ceremony: marshal state for %q: %w", id, err)
	}
	key := storage.Key{Namespace: stateNamespace, SubKey: id}
	if err := t.durable.Store(storage.CapWrite, key, raw); err != nil {
		return fmt.Errorf("ceremony: persist state for %q: %w", id, err)
	}
	return nil
}

// Create installs the initial state for a brand-new ceremony id. Called by
// the initiator when issuing the first ceremony message.
func (t *Tracker) Create(id identifiers.CeremonyID, initial State) error {
	if err := initial.validate(nil); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.store[id.String()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if err := t.persistLocked(id.String(), initial); err != nil {
		return err
	}
	t.store[id.String()] = initial.clone()
	return nil
}

// Get returns the current state for id.
func (t *Tracker) Get(id identifiers.CeremonyID) (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.store[id.String()]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownCeremony, id)
	}
	return s.clone(), nil
}

// UpdateAtomic applies mutate to a clone of id's current state and installs
// the result only if it passes validate, so a state that violates an
// invariant is never visible to other readers.
func (t *Tracker) UpdateAtomic(id identifiers.CeremonyID, mutate func(State) (State, error)) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.store[id.String()]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownCeremony, id)
	}

	next, err := mutate(prev.clone())
	if err != nil {
		return State{}, err
	}
	if err := next.validate(&prev); err != nil {
		return State{}, err
	}
	if err := t.persistLocked(id.String(), next); err != nil {
		return State{}, err
	}
	t.store[id.String()] = next.clone()
	return next.clone(), nil
}

// Remove deletes id's tracked state. Nothing calls it during normal
// ceremony execution; it exists for operator cleanup of long-dead failed
// ceremonies.
func (t *Tracker) Remove(id identifiers.CeremonyID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.durable != nil {
		_ = t.durable.Delete(storage.CapDelete, storage.Key{Namespace: stateNamespace, SubKey: id.String()})
	}
	delete(t.store, id.String())
}
