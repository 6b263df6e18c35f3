// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ceremony

import (
	"fmt"

	"github.com/luxfi/aura/pkg/identifiers"
)

// CommitMetadata carries whatever the caller wants attached to a ceremony's
// commit transition. Today's handlers pass an empty value; it exists so
// future ceremony kinds can stamp commit-time detail without changing
// Runner's signature.
type CommitMetadata struct {
	Note string
}

// Runner is the ceremony runner (C5): it accepts participant response
// acknowledgements, decides when a ceremony's threshold has been reached,
// and marks the ceremony committed. Runner is the only component that
// writes the Pending → ThresholdReached → Committed Status transitions.
type Runner struct {
	tracker *Tracker
}

// NewRunner builds a Runner over tracker.
func NewRunner(tracker *Tracker) *Runner {
	return &Runner{tracker: tracker}
}

// RecordResponse records participant's acknowledgement for ceremony id and
// reports whether the ceremony's threshold has now been reached. Re-
// recording a participant that has already responded is idempotent: it
// neither re-triggers the threshold nor re-advances status.
func (r *Runner) RecordResponse(id identifiers.CeremonyID, participant identifiers.ParticipantIdentity) (bool, error) {
	reachedNow := false
	_, err := r.tracker.UpdateAtomic(id, func(s State) (State, error) {
		if !s.hasParticipant(participant) {
			return State{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, participant.DebugLabel())
		}
		if s.hasResponse(participant) {
			// Idempotent: re-recording an already-recorded participant never
			// re-triggers threshold detection, even if it is still met.
			return s, nil
		}
		s.Responses = append(s.Responses, participant)
		if s.Status == StatusPending && len(s.Responses) >= int(s.Threshold) {
			s.Status = StatusThresholdReached
			reachedNow = true
		}
		return s, nil
	})
	if err != nil {
		return false, err
	}
	return reachedNow, nil
}

// Commit transitions id's status to Committed. It may only be called once
// the runner has recorded threshold responses (status at least
// ThresholdReached); the runner is the sole writer of this transition.
func (r *Runner) Commit(id identifiers.CeremonyID, _ CommitMetadata) error {
	_, err := r.tracker.UpdateAtomic(id, func(s State) (State, error) {
		if s.Status.rank() < StatusThresholdReached.rank() {
			return State{}, ErrThresholdNotReached
		}
		s.Status = StatusCommitted
		return s, nil
	})
	return err
}
